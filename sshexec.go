package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const knownHostsEnv = "INSTALL_API_KNOWN_HOSTS"

// errorKind classifies a failed execution attempt. Each kind corresponds to
// a terminal state of the session state machine.
type errorKind int

const (
	errKindNetworkUnreachable errorKind = iota + 1
	errKindAuthenticationFailed
	errKindTransferFailed
	errKindScriptFailed
	errKindTimeout
	errKindScriptNotFound
)

func (k errorKind) String() string {
	switch k {
	case errKindNetworkUnreachable:
		return "network unreachable"
	case errKindAuthenticationFailed:
		return "authentication failed"
	case errKindTransferFailed:
		return "transfer failed"
	case errKindScriptFailed:
		return "script failed"
	case errKindTimeout:
		return "timeout"
	case errKindScriptNotFound:
		return "script not found"
	default:
		return "unknown"
	}
}

type execError struct {
	kind     errorKind
	exitCode int
	cause    error
}

func (e *execError) Error() string {
	switch e.kind {
	case errKindScriptFailed:
		return fmt.Sprintf("Script exited with status %d", e.exitCode)
	case errKindAuthenticationFailed:
		return "SSH authentication failed. Please check the password."
	case errKindNetworkUnreachable:
		if e.cause != nil {
			return fmt.Sprintf("SSH connection error: %v", e.cause)
		}
		return "SSH connection error"
	case errKindTransferFailed:
		if e.cause != nil {
			return fmt.Sprintf("Failed to start remote script: %v", e.cause)
		}
		return "Failed to start remote script"
	case errKindTimeout:
		return "Connection timed out"
	case errKindScriptNotFound:
		if e.cause != nil {
			return e.cause.Error()
		}
		return "Script not found"
	default:
		if e.cause != nil {
			return e.cause.Error()
		}
		return "unknown execution error"
	}
}

func (e *execError) Unwrap() error   { return e.cause }
func (e *execError) Kind() errorKind { return e.kind }
func (e *execError) ExitStatus() int { return e.exitCode }

// executionErrorKind extracts the classification from any error produced by
// the orchestrator.
func executionErrorKind(err error) (errorKind, bool) {
	var classified interface{ Kind() errorKind }
	if errors.As(err, &classified) {
		return classified.Kind(), true
	}
	return 0, false
}

// execState tracks the session lifecycle for one installation attempt.
type execState int

const (
	stateIdle execState = iota
	stateConnecting
	stateAuthenticating
	stateTransferring
	stateRunning
	stateCompleted
	stateFailed
)

func (s execState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateTransferring:
		return "transferring"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExecutionRequest describes one installation attempt. The password lives
// only for the duration of the call and is never persisted or logged.
type ExecutionRequest struct {
	ScriptName   string
	ServerIP     string
	Port         int
	RootPassword string
	Additional   string
	Command      string
}

// ExecutionResult is produced exactly once per request. Err is nil on
// success and carries an errorKind classification otherwise.
type ExecutionResult struct {
	Succeeded bool
	Output    string
	Err       error
}

var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)`)

func stripANSICodes(s string) string {
	return ansiEscapePattern.ReplaceAllString(s, "")
}

// outputBuffer collects interleaved stdout/stderr as the script runs so a
// caller can tail an execution mid-flight. Installer scripts are fond of
// colored progress output, so ANSI escapes are stripped on read; stripping
// the whole buffer at once keeps sequences split across writes from leaking
// through.
type outputBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	raw := b.buf.String()
	b.mu.Unlock()
	return stripANSICodes(raw)
}

// execution is the live view of one orchestrated run: current state machine
// position plus the streamed output so far.
type execution struct {
	output outputBuffer

	mu    sync.Mutex
	state execState
}

func newExecution() *execution {
	return &execution{state: stateIdle}
}

func (e *execution) setState(s execState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *execution) State() execState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *execution) Output() string {
	return e.output.String()
}

func (e *execution) fail(kind errorKind, cause error) ExecutionResult {
	e.setState(stateFailed)
	return ExecutionResult{
		Output: e.Output(),
		Err:    &execError{kind: kind, cause: cause},
	}
}

func (e *execution) failScript(exitCode int, cause error) ExecutionResult {
	e.setState(stateFailed)
	return ExecutionResult{
		Output: e.Output(),
		Err:    &execError{kind: errKindScriptFailed, exitCode: exitCode, cause: cause},
	}
}

type sshSessionRunner interface {
	SetStdin(io.Reader)
	SetStdout(io.Writer)
	SetStderr(io.Writer)
	Run(string) error
	Close() error
}

type sshConnection interface {
	NewSession() (sshSessionRunner, error)
	Close() error
}

type realSSHSession struct {
	session *ssh.Session
}

func (s *realSSHSession) SetStdin(r io.Reader)  { s.session.Stdin = r }
func (s *realSSHSession) SetStdout(w io.Writer) { s.session.Stdout = w }
func (s *realSSHSession) SetStderr(w io.Writer) { s.session.Stderr = w }
func (s *realSSHSession) Run(cmd string) error  { return s.session.Run(cmd) }
func (s *realSSHSession) Close() error          { return s.session.Close() }

type realSSHConnection struct {
	client *ssh.Client
}

func (c *realSSHConnection) NewSession() (sshSessionRunner, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &realSSHSession{session: session}, nil
}

func (c *realSSHConnection) Close() error {
	return c.client.Close()
}

var dialSSHConnection = func(addr string, config *ssh.ClientConfig) (sshConnection, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &realSSHConnection{client: client}, nil
}

func normalizePort(port int) int {
	if port <= 0 || port > 65535 {
		return 22
	}
	return port
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	raw := strings.TrimSpace(os.Getenv(knownHostsEnv))
	if raw == "" {
		// Target servers are freshly provisioned per request, so there is
		// no prior host key to pin against unless the operator supplies one.
		return ssh.InsecureIgnoreHostKey(), nil
	}
	var paths []string
	for _, part := range strings.Split(raw, ":") {
		path := strings.TrimSpace(part)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("known_hosts file %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return nil, errors.New("no usable known_hosts path in " + knownHostsEnv)
	}
	cb, err := knownhosts.New(paths...)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func isAuthFailureMessage(msg string) bool {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	if normalized == "" {
		return false
	}
	hints := []string{
		"unable to authenticate",
		"no supported methods remain",
		"permission denied",
		"password rejected",
		"invalid credentials",
		"host key",
		"knownhosts",
	}
	for _, hint := range hints {
		if strings.Contains(normalized, hint) {
			return true
		}
	}
	return false
}

func sshExitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitStatusErr interface{ ExitStatus() int }
	if errors.As(err, &exitStatusErr) {
		return exitStatusErr.ExitStatus(), true
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}

// orchestrator owns the SSH session lifecycle for installation attempts.
// It never retries: installer scripts are long-running and only partially
// idempotent, so rerunning is a caller decision.
type orchestrator struct {
	connectTimeout  time.Duration
	execTimeout     time.Duration
	hostKeyCallback func() (ssh.HostKeyCallback, error)
}

func newOrchestrator(connectTimeout, execTimeout time.Duration) *orchestrator {
	return &orchestrator{
		connectTimeout:  connectTimeout,
		execTimeout:     execTimeout,
		hostKeyCallback: knownHostsCallback,
	}
}

// Execute runs one script on one host and returns one result. The session
// walks connecting -> authenticating -> transferring -> running -> completed;
// any state can fall into failed with a classified kind. The session is
// released on every exit path, including timeout, at which point the remote
// script may keep running detached but no local resources remain attached
// to it.
func (o *orchestrator) Execute(ctx context.Context, req ExecutionRequest, ex *execution) ExecutionResult {
	if ex == nil {
		ex = newExecution()
	}
	ctx, cancel := context.WithTimeout(ctx, o.execTimeout)
	defer cancel()

	hostKeyCallback, err := o.hostKeyCallback()
	if err != nil {
		return ex.fail(errKindNetworkUnreachable, err)
	}
	config := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password(req.RootPassword)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         o.connectTimeout,
	}
	addr := net.JoinHostPort(req.ServerIP, strconv.Itoa(normalizePort(req.Port)))

	ex.setState(stateConnecting)
	type dialOutcome struct {
		conn sshConnection
		err  error
	}
	dialCh := make(chan dialOutcome, 1)
	go func() {
		conn, dialErr := dialSSHConnection(addr, config)
		dialCh <- dialOutcome{conn: conn, err: dialErr}
	}()

	var conn sshConnection
	select {
	case <-ctx.Done():
		// Release the late connection if the dial ever completes.
		go func() {
			if out := <-dialCh; out.conn != nil {
				_ = out.conn.Close()
			}
		}()
		return ex.fail(errKindTimeout, ctx.Err())
	case out := <-dialCh:
		if out.err != nil {
			if isAuthFailureMessage(out.err.Error()) {
				// The TCP connection succeeded; the handshake rejected us.
				ex.setState(stateAuthenticating)
				return ex.fail(errKindAuthenticationFailed, out.err)
			}
			return ex.fail(errKindNetworkUnreachable, out.err)
		}
		conn = out.conn
	}
	defer conn.Close()
	ex.setState(stateAuthenticating)

	ex.setState(stateTransferring)
	session, err := conn.NewSession()
	if err != nil {
		return ex.fail(errKindTransferFailed, err)
	}
	defer session.Close()
	session.SetStdout(&ex.output)
	session.SetStderr(&ex.output)

	ex.setState(stateRunning)
	runCh := make(chan error, 1)
	go func() {
		runCh <- session.Run(req.Command)
	}()

	select {
	case <-ctx.Done():
		// Forced teardown; the deferred closes are idempotent.
		_ = session.Close()
		_ = conn.Close()
		return ex.fail(errKindTimeout, ctx.Err())
	case runErr := <-runCh:
		if runErr != nil {
			if exitCode, ok := sshExitCode(runErr); ok && exitCode != 0 {
				return ex.failScript(exitCode, runErr)
			}
			// The session died without an exit status: the transport broke
			// mid-run rather than the script failing.
			return ex.fail(errKindNetworkUnreachable, runErr)
		}
		ex.setState(stateCompleted)
		return ExecutionResult{Succeeded: true, Output: ex.Output()}
	}
}
