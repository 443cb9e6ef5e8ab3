package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const tasksDirEnv = "INSTALL_API_TASKS_DIR"
const taskFileMaxAgeEnv = "INSTALL_API_TASK_MAX_AGE_SECONDS"

const defaultTaskFileMaxAge = 30 * time.Minute
const taskCleanupInterval = 10 * time.Minute

const taskStatusRunning = "running"
const taskStatusDone = "done"
const taskStatusError = "error"

var errTaskInProgress = errors.New("installation already in progress for these parameters")

// installTaskID derives a stable task identifier from the request
// parameters. The credential is deliberately left out of the digest so the
// id never encodes secret material.
func installTaskID(scriptName, serverIP, additional string) string {
	sum := md5.Sum([]byte(scriptName + "|" + serverIP + "|" + additional))
	return hex.EncodeToString(sum[:])
}

// taskState is the live record of one installation task. While the task
// runs, output is read straight from the execution buffer; after completion
// the final result is pinned here and in the task file.
type taskState struct {
	ID         string
	ScriptName string
	ServerIP   string
	StartedAt  time.Time
	exec       *execution

	mu       sync.Mutex
	finished bool
	result   ExecutionResult
}

func (t *taskState) complete(res ExecutionResult) {
	t.mu.Lock()
	t.finished = true
	t.result = res
	t.mu.Unlock()
}

// snapshot returns (status, output, error message) for the status endpoint.
func (t *taskState) snapshot() (string, string, string) {
	t.mu.Lock()
	finished := t.finished
	result := t.result
	t.mu.Unlock()
	if !finished {
		return taskStatusRunning, t.exec.Output(), ""
	}
	if result.Succeeded {
		return taskStatusDone, result.Output, ""
	}
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	return taskStatusError, result.Output, errMsg
}

// taskTracker guards against concurrent duplicate installs and persists
// finished task output as plain-text task files, which double as the
// dedupe pin across process restarts until the cleanup sweeps them.
type taskTracker struct {
	dir string

	mu    sync.Mutex
	tasks map[string]*taskState
}

func newTaskTracker(dir string) *taskTracker {
	return &taskTracker{dir: dir, tasks: make(map[string]*taskState)}
}

func (t *taskTracker) taskFilePath(id string) string {
	return filepath.Join(t.dir, id+".txt")
}

// Begin registers a task and pins its task file. A second request with the
// same id while the first is pinned fails with errTaskInProgress.
func (t *taskTracker) Begin(id, scriptName, serverIP string, ex *execution) (*taskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tasks[id]; exists {
		return nil, errTaskInProgress
	}
	if _, err := os.Stat(t.taskFilePath(id)); err == nil {
		return nil, errTaskInProgress
	}
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}
	if err := os.WriteFile(t.taskFilePath(id), []byte(taskStatusRunning+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write task file: %w", err)
	}
	state := &taskState{
		ID:         id,
		ScriptName: scriptName,
		ServerIP:   serverIP,
		StartedAt:  time.Now().UTC(),
		exec:       ex,
	}
	t.tasks[id] = state
	return state, nil
}

// Complete records the final result and rewrites the task file with the
// terminal status and captured output.
func (t *taskTracker) Complete(id string, res ExecutionResult) {
	t.mu.Lock()
	state := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()
	if state != nil {
		state.complete(res)
	}

	status := taskStatusDone
	if !res.Succeeded {
		status = taskStatusError
		if res.Err != nil {
			status += ": " + res.Err.Error()
		}
	}
	content := status + "\n" + res.Output
	if err := os.WriteFile(t.taskFilePath(id), []byte(content), 0600); err != nil {
		log.Printf("Failed to write task file for %s: %v", id, err)
	}
}

// Abort removes the pin for a task that never started executing.
func (t *taskTracker) Abort(id string) {
	t.mu.Lock()
	delete(t.tasks, id)
	t.mu.Unlock()
	if err := os.Remove(t.taskFilePath(id)); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove task file for %s: %v", id, err)
	}
}

// Lookup reports (status, output, error message) for a task id, consulting
// live tasks first and finished task files second.
func (t *taskTracker) Lookup(id string) (string, string, string, bool) {
	t.mu.Lock()
	state, ok := t.tasks[id]
	t.mu.Unlock()
	if ok {
		status, output, errMsg := state.snapshot()
		return status, output, errMsg, true
	}

	data, err := os.ReadFile(t.taskFilePath(id))
	if err != nil {
		return "", "", "", false
	}
	statusLine, output, _ := strings.Cut(string(data), "\n")
	status := statusLine
	errMsg := ""
	if rest, found := strings.CutPrefix(statusLine, taskStatusError+": "); found {
		status = taskStatusError
		errMsg = rest
	}
	return status, output, errMsg, true
}

// CleanupOldFiles deletes task files older than maxAge. Only .txt files are
// touched; a missing tasks directory is not an error.
func (t *taskTracker) CleanupOldFiles(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(t.dir, entry.Name())); err != nil {
			log.Printf("Failed to remove stale task file %s: %v", entry.Name(), err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("Cleaned up %d old task files", deleted)
	}
	return deleted, nil
}

func (t *taskTracker) startCleanup(ctx context.Context, maxAge time.Duration) {
	if _, err := t.CleanupOldFiles(maxAge); err != nil {
		log.Printf("Task file cleanup failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(taskCleanupInterval)
		for {
			select {
			case <-ticker.C:
				if _, err := t.CleanupOldFiles(maxAge); err != nil {
					log.Printf("Task file cleanup failed: %v", err)
				}
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
