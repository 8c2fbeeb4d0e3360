package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenarioYAML = `
name: devices
steps:
  - assert:
      name: dev-null
      probe: {kind: device, path: /dev/null}
      expect: "1,3,0666"
  - scenario:
      name: pts
      wrapper: {kind: pbuilder}
      steps:
        - assert:
            name: pts-dir
            probe: {kind: directory, path: /dev/pts}
            expect: true
`

const unknownKindYAML = `
name: broken
steps:
  - assert:
      name: odd
      probe: {kind: inode_count, path: /dev}
      expect: "3"
`

func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func executeValidate(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidScenario(t *testing.T) {
	path := writeScenario(t, "devices.yaml", validScenarioYAML)

	output, err := executeValidate(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ "+path+": devices (2 assertions, 2 scenarios)")
}

func TestValidateValidScenarioJSON(t *testing.T) {
	path := writeScenario(t, "devices.yaml", validScenarioYAML)

	output, err := executeValidate(t, "json", path)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
}

func TestValidateInvalidScenario(t *testing.T) {
	good := writeScenario(t, "devices.yaml", validScenarioYAML)
	bad := writeScenario(t, "broken.yaml", unknownKindYAML)

	output, err := executeValidate(t, "text", good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 1 error(s)")
	assert.Contains(t, output, "✓ "+good)
	assert.Contains(t, output, "✗ "+bad)
	assert.Contains(t, output, ErrCodeInvalidScenario)
}

func TestValidateMissingFileJSON(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	output, err := executeValidate(t, "json", missing)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestValidateRequiresArgs(t *testing.T) {
	_, err := executeValidate(t, "text")
	require.Error(t, err)
}
