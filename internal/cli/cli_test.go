package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/featureflag"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)

	// cobra keeps flag values between executions
	configPath = ""
	eventsJSON = false
	eventsDB = ""

	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseFlagArgs(t *testing.T) {
	got := parseFlagArgs([]string{"beta", "ui=new", " spaced = v ", "=orphan", ""})
	assert.Equal(t, []featureflag.Flag{
		{Name: "beta"},
		{Name: "ui", Variant: "new"},
		{Name: "spaced", Variant: "v"},
	}, got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashtrail.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.FileExists(t, path)

	_, err = run(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
}

func TestConfigValidateRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600))

	_, err := run(t, "config", "validate", path)
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "crashtrail", info["name"])
}

func TestDemoThenInspectEvents(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	cfgPath := filepath.Join(dir, "crashtrail.toml")
	content := `
[delivery]
log_enabled = false
store_enabled = true
store_path = "` + filepath.ToSlash(dbPath) + `"

[logging]
level = "error"
output = "discard"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0600))

	out, err := run(t, "demo", "--config", cfgPath, "--workers", "2", "--crumbs", "3", "--flag", "beta=on")
	require.NoError(t, err)
	assert.Contains(t, out, "3 events delivered")

	out, err = run(t, "events", "list", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var list []delivery.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 3)

	var unhandled *delivery.StoredEvent
	for i := range list {
		if list[i].Unhandled {
			unhandled = &list[i]
		}
	}
	require.NotNil(t, unhandled, "the recovered panic should be stored")
	assert.Contains(t, unhandled.Message, "index out of range")

	out, err = run(t, "events", "show", unhandled.EventID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "unresolved")
	assert.Contains(t, out, "Breadcrumbs")
	assert.Contains(t, out, "about to index past the end")

	_, err = run(t, "events", "resolve", unhandled.EventID, "--config", cfgPath, "--by", "tester")
	require.NoError(t, err)

	out, err = run(t, "events", "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "3 (2 unresolved, 1 unhandled)"), out)

	_, err = run(t, "events", "show", "no-such-id", "--config", cfgPath)
	assert.Error(t, err)

	_, err = run(t, "events", "reopen", "no-such-id", "--config", cfgPath)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}
