package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const dataDirEnv = "INSTALL_API_DATA_DIR"
const scriptsBaseURLEnv = "INSTALL_API_SCRIPTS_BASE_URL"

const defaultScriptsBaseURL = "https://raw.githubusercontent.com/andchir/install_scripts/refs/heads/main/scripts"
const defaultLang = "ru"

var errScriptNotFound = errors.New("script not found")

// scriptCatalog resolves script identifiers against the per-language data
// files (data_<lang>.json). Script contents are opaque to this service; the
// catalog only confirms the identifier and supplies presentation metadata.
type scriptCatalog struct {
	dataDir string
	baseURL string
}

func newScriptCatalog(dataDir, baseURL string) *scriptCatalog {
	return &scriptCatalog{dataDir: dataDir, baseURL: strings.TrimRight(baseURL, "/")}
}

// dataFilePath picks the data file for lang, falling back to the default
// language when the requested one has no data file.
func (c *scriptCatalog) dataFilePath(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang != "" {
		path := filepath.Join(c.dataDir, fmt.Sprintf("data_%s.json", lang))
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(c.dataDir, fmt.Sprintf("data_%s.json", defaultLang))
}

// List returns every catalog entry for the given language.
func (c *scriptCatalog) List(lang string) ([]map[string]any, error) {
	path := c.dataFilePath(lang)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scripts []map[string]any
	if err := json.Unmarshal(data, &scripts); err != nil {
		return nil, fmt.Errorf("invalid JSON format in data file: %w", err)
	}
	return scripts, nil
}

// Find looks a single script up by its script_name.
func (c *scriptCatalog) Find(lang, scriptName string) (map[string]any, error) {
	scripts, err := c.List(lang)
	if err != nil {
		return nil, err
	}
	for _, script := range scripts {
		if name, _ := script["script_name"].(string); name == scriptName {
			return script, nil
		}
	}
	return nil, errScriptNotFound
}

// existsInAnyCatalog scans every data_<lang>.json file for the identifier.
// checked reports whether any catalog file was consulted at all.
func (c *scriptCatalog) existsInAnyCatalog(scriptName string) (found, checked bool, err error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "data_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		checked = true
		lang := strings.TrimSuffix(strings.TrimPrefix(name, "data_"), ".json")
		_, err := c.Find(lang, scriptName)
		if err == nil {
			return true, true, nil
		}
		if !errors.Is(err, errScriptNotFound) {
			return false, true, err
		}
	}
	return false, checked, nil
}

// Resolve validates the identifier against every language catalog and
// returns the shell command that fetches and runs the script on the target
// host. When no data files are present at all the catalog check is skipped
// and the command is built from the identifier alone.
func (c *scriptCatalog) Resolve(scriptName, additional string) (string, error) {
	found, checked, err := c.existsInAnyCatalog(scriptName)
	if err != nil {
		return "", err
	}
	if checked && !found {
		return "", &execError{kind: errKindScriptNotFound, cause: fmt.Errorf("script %q not found", scriptName)}
	}
	return buildInstallCommand(c.baseURL, scriptName, additional), nil
}

func shellEscapeSingleQuotes(input string) string {
	return strings.ReplaceAll(input, "'", "'\"'\"'")
}

// buildInstallCommand produces the remote pipeline that streams the script
// from the public repository into bash, forwarding the optional extra
// parameter as a positional argument.
func buildInstallCommand(baseURL, scriptName, additional string) string {
	scriptURL := fmt.Sprintf("%s/%s.sh", strings.TrimRight(baseURL, "/"), scriptName)
	if additional != "" {
		return fmt.Sprintf("curl -fsSL -o- %s | bash -s -- '%s'", scriptURL, shellEscapeSingleQuotes(additional))
	}
	return fmt.Sprintf("curl -fsSL -o- %s | bash", scriptURL)
}
