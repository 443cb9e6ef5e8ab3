package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestCatalog(t *testing.T, dir, lang, content string) {
	t.Helper()
	path := filepath.Join(dir, "data_"+lang+".json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const testCatalogRU = `[
	{"script_name": "nginx", "name": "Nginx", "description": "Веб-сервер"},
	{"script_name": "docker", "name": "Docker", "description": "Контейнеры"}
]`

const testCatalogEN = `[
	{"script_name": "nginx", "name": "Nginx", "description": "Web server"}
]`

func TestScriptCatalogList(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", testCatalogRU)
	writeTestCatalog(t, dir, "en", testCatalogEN)
	catalog := newScriptCatalog(dir, defaultScriptsBaseURL)

	scripts, err := catalog.List("ru")
	if err != nil {
		t.Fatalf("List(ru): %v", err)
	}
	if len(scripts) != 2 {
		t.Fatalf("List(ru) returned %d scripts, want 2", len(scripts))
	}

	scripts, err = catalog.List("en")
	if err != nil {
		t.Fatalf("List(en): %v", err)
	}
	if len(scripts) != 1 {
		t.Fatalf("List(en) returned %d scripts, want 1", len(scripts))
	}
}

func TestScriptCatalogLangFallback(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", testCatalogRU)
	catalog := newScriptCatalog(dir, defaultScriptsBaseURL)

	// No data_de.json on disk; the default language file serves the request.
	scripts, err := catalog.List("de")
	if err != nil {
		t.Fatalf("List(de): %v", err)
	}
	if len(scripts) != 2 {
		t.Fatalf("List(de) returned %d scripts, want 2 from fallback", len(scripts))
	}
}

func TestScriptCatalogListMissingDataFile(t *testing.T) {
	catalog := newScriptCatalog(t.TempDir(), defaultScriptsBaseURL)
	_, err := catalog.List("ru")
	if !os.IsNotExist(err) {
		t.Fatalf("List with no data files = %v, want not-exist error", err)
	}
}

func TestScriptCatalogListInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", "{not json")
	catalog := newScriptCatalog(dir, defaultScriptsBaseURL)
	if _, err := catalog.List("ru"); err == nil {
		t.Fatalf("List with invalid JSON succeeded")
	}
}

func TestScriptCatalogFind(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", testCatalogRU)
	catalog := newScriptCatalog(dir, defaultScriptsBaseURL)

	script, err := catalog.Find("ru", "docker")
	if err != nil {
		t.Fatalf("Find(docker): %v", err)
	}
	if name, _ := script["name"].(string); name != "Docker" {
		t.Fatalf("Find(docker) name = %q, want Docker", name)
	}

	if _, err := catalog.Find("ru", "unknown"); !errors.Is(err, errScriptNotFound) {
		t.Fatalf("Find(unknown) = %v, want errScriptNotFound", err)
	}
}

func TestScriptCatalogResolve(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", testCatalogRU)
	catalog := newScriptCatalog(dir, "https://example.com/scripts")

	command, err := catalog.Resolve("nginx", "")
	if err != nil {
		t.Fatalf("Resolve(nginx): %v", err)
	}
	want := "curl -fsSL -o- https://example.com/scripts/nginx.sh | bash"
	if command != want {
		t.Fatalf("Resolve(nginx) = %q, want %q", command, want)
	}

	_, err = catalog.Resolve("unknown", "")
	kind, ok := executionErrorKind(err)
	if !ok || kind != errKindScriptNotFound {
		t.Fatalf("Resolve(unknown) error kind = (%v, %v), want script not found", kind, ok)
	}
}

func TestScriptCatalogResolveAcrossLanguages(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "ru", testCatalogRU)
	writeTestCatalog(t, dir, "en", `[{"script_name": "postgres", "name": "PostgreSQL"}]`)
	catalog := newScriptCatalog(dir, "https://example.com/scripts")

	// postgres only exists in the en catalog; it must still resolve.
	command, err := catalog.Resolve("postgres", "")
	if err != nil {
		t.Fatalf("Resolve(postgres): %v", err)
	}
	if command != "curl -fsSL -o- https://example.com/scripts/postgres.sh | bash" {
		t.Fatalf("Resolve(postgres) = %q", command)
	}

	_, err = catalog.Resolve("unknown", "")
	kind, ok := executionErrorKind(err)
	if !ok || kind != errKindScriptNotFound {
		t.Fatalf("Resolve(unknown) error kind = (%v, %v), want script not found", kind, ok)
	}
}

func TestScriptCatalogResolveWithoutDataFiles(t *testing.T) {
	// With no catalog on disk the identifier is trusted and the command is
	// still built; the remote curl fails naturally for bogus names.
	catalog := newScriptCatalog(t.TempDir(), "https://example.com/scripts")
	command, err := catalog.Resolve("nginx", "")
	if err != nil {
		t.Fatalf("Resolve without data files: %v", err)
	}
	if command != "curl -fsSL -o- https://example.com/scripts/nginx.sh | bash" {
		t.Fatalf("Resolve without data files = %q", command)
	}
}

func TestBuildInstallCommand(t *testing.T) {
	tests := []struct {
		name       string
		baseURL    string
		scriptName string
		additional string
		want       string
	}{
		{
			"no additional parameter",
			"https://example.com/scripts",
			"nginx",
			"",
			"curl -fsSL -o- https://example.com/scripts/nginx.sh | bash",
		},
		{
			"additional parameter forwarded",
			"https://example.com/scripts",
			"wordpress",
			"mysite.example.com",
			"curl -fsSL -o- https://example.com/scripts/wordpress.sh | bash -s -- 'mysite.example.com'",
		},
		{
			"trailing slash trimmed",
			"https://example.com/scripts/",
			"nginx",
			"",
			"curl -fsSL -o- https://example.com/scripts/nginx.sh | bash",
		},
		{
			"single quotes escaped",
			"https://example.com/scripts",
			"nginx",
			"it's a 'test'",
			`curl -fsSL -o- https://example.com/scripts/nginx.sh | bash -s -- 'it'"'"'s a '"'"'test'"'"''`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildInstallCommand(tt.baseURL, tt.scriptName, tt.additional)
			if got != tt.want {
				t.Fatalf("buildInstallCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellEscapeSingleQuotes(t *testing.T) {
	if got := shellEscapeSingleQuotes("plain"); got != "plain" {
		t.Fatalf("shellEscapeSingleQuotes(plain) = %q", got)
	}
	if got := shellEscapeSingleQuotes("a'b"); got != `a'"'"'b` {
		t.Fatalf("shellEscapeSingleQuotes(a'b) = %q", got)
	}
}
