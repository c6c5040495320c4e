package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tmpNameRule = `# Temporary names are reserved.
package wsm.guards.naming

import rego.v1

deny contains "temporary names are reserved" if startswith(input.resource.name, "tmp")
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFromFileRego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmp-names.rego")
	writeFile(t, path, tmpNameRule)

	rules, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "tmp-names", r.Name)
	assert.Equal(t, "Temporary names are reserved.", r.Description)
	assert.Equal(t, SeverityError, r.Severity)
	assert.True(t, r.Enabled)
	assert.False(t, r.Builtin)
	assert.Equal(t, path, r.Source)
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rule.json")
	writeFile(t, path, `{"name":"json-rule","severity":"warning","enabled":true,"builtin":true,
		"rego":"package wsm.guards.naming\n\ndeny contains \"x\" if false"}`)

	rules, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "json-rule", rules[0].Name)
	assert.Equal(t, SeverityWarning, rules[0].Severity)
	assert.False(t, rules[0].Builtin, "files cannot declare builtin rules")
}

func TestLoadFromDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), tmpNameRule)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), tmpNameRule)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	rules, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, "b", rules[1].Name)
}

func TestLoadErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	_, err := loader.LoadFromPaths([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, "{not json")
	_, err = loader.LoadFromPaths([]string{bad})
	assert.Error(t, err)

	txt := filepath.Join(dir, "rule.txt")
	writeFile(t, txt, "x")
	_, err = loader.LoadFromPaths([]string{txt})
	assert.Error(t, err)
}

func TestWatchReloadsRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), tmpNameRule)

	loader := NewLoader(zerolog.Nop())
	loader.debounce = 20 * time.Millisecond

	var mu sync.Mutex
	var reloaded []Rule
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, loader.Watch(ctx, []string{dir}, func(rules []Rule) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = rules
		return nil
	}))

	writeFile(t, filepath.Join(dir, "b.rego"), tmpNameRule)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, loader.StopWatching())
	require.NoError(t, loader.StopWatching(), "stopping twice is a no-op")
}

func TestExtractDescription(t *testing.T) {
	assert.Equal(t, "first second", extractDescription("# first\n# second\n\npackage x\n# later"))
	assert.Equal(t, "", extractDescription("package x\n# comment"))
}
