package cmd_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cursorhu/go-uhs2/internal/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitTemplates(t *testing.T) {
	type testCase struct {
		name    string
		command string
		format  string
	}

	tests := []testCase{
		{name: "attach json", command: "attach", format: "json"},
		{name: "dump yaml", command: "dump", format: "yaml"},
		{name: "monitor toml", command: "monitor", format: "toml"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), tc.command+"."+tc.format)
			init := cmd.ConfigInit{Command: tc.command, Format: tc.format, Output: dest}
			require.NoError(t, init.Run())

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
		})
	}
}

func TestConfigInitDefaults(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "monitor.json")
	init := cmd.ConfigInit{Command: "monitor", Format: "json", Output: dest}
	require.NoError(t, init.Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	// Defaults from the struct tags land in the template.
	assert.Equal(t, ":3323", got["addr"])
	assert.Equal(t, "1s", got["interval"])
	assert.Equal(t, float64(4096), got["size"])
	assert.Equal(t, "5ms", got["powerDelay"])
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "attach.json")
	require.NoError(t, os.WriteFile(dest, []byte("{}"), 0o644))

	init := cmd.ConfigInit{Command: "attach", Format: "json", Output: dest}
	assert.EqualError(t, init.Run(), "destination exists; use --force to overwrite")

	init.Force = true
	assert.NoError(t, init.Run())
}

func TestConfigInitBadFormat(t *testing.T) {
	init := cmd.ConfigInit{Command: "attach", Format: "xml"}
	assert.EqualError(t, init.Run(), "unsupported format: xml")
}
