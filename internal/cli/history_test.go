package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/report"
	"github.com/roach88/rootcheck/internal/store"
)

func executeHistory(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewHistoryCommand(&RootOptions{Format: format})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedHistory records two runs and returns the database path.
func seedHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-older", "run-newer"} {
		outcomes := []check.Outcome{
			{Scenario: "debootstrap", Name: "dev-null", Status: check.StatusPass},
			{Scenario: "debootstrap", Name: "dev-console", Status: check.StatusFail, Detail: "mode differs", Expected: "5,1,0600", Actual: "5,1,0620"},
		}
		sum := report.Summarize(outcomes, nil)
		rep := report.Report{RunID: id, Environment: "kernel=6.1.0", Outcomes: outcomes, Summary: sum}
		run := store.Run{
			ID:          id,
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			TargetRoot:  "/srv/roots/trixie",
			Environment: "kernel=6.1.0",
			Summary:     sum,
		}
		require.NoError(t, st.WriteRun(context.Background(), run, rep))
	}
	return path
}

func TestHistoryListText(t *testing.T) {
	db := seedHistory(t)

	output, err := executeHistory(t, "text", "--db", db)
	require.NoError(t, err)

	assert.Contains(t, output, "RUN")
	assert.Contains(t, output, "XFAIL")
	assert.Contains(t, output, "/srv/roots/trixie")
	assert.NotContains(t, output, "│", "no borders")
	newer := bytes.Index([]byte(output), []byte("run-newer"))
	older := bytes.Index([]byte(output), []byte("run-older"))
	require.NotEqual(t, -1, newer)
	require.NotEqual(t, -1, older)
	assert.Less(t, newer, older, "newest run first")
}

func TestHistoryListJSONLimit(t *testing.T) {
	db := seedHistory(t)

	output, err := executeHistory(t, "json", "--db", db, "--limit", "1")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   []RunEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "run-newer", resp.Data[0].ID)
	assert.Equal(t, "2026-03-01T13:00:00Z", resp.Data[0].StartedAt)
	assert.Equal(t, 1, resp.Data[0].Summary.Failed)
	assert.Equal(t, report.ExitFailure, resp.Data[0].Summary.ExitCode)
}

func TestHistoryShowRun(t *testing.T) {
	db := seedHistory(t)

	output, err := executeHistory(t, "text", "--db", db, "run-older")
	require.NoError(t, err)
	assert.Contains(t, output, "Run run-older")
	assert.Contains(t, output, "FAIL  debootstrap: dev-console")
	assert.Contains(t, output, "Exit code: 1")
}

func TestHistoryShowRunJSON(t *testing.T) {
	db := seedHistory(t)

	output, err := executeHistory(t, "json", "--db", db, "run-older")
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	stored, err := st.ReadReport(context.Background(), "run-older")
	require.NoError(t, err)
	assert.Equal(t, string(stored)+"\n", output)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &doc))
	assert.Equal(t, "run-older", doc["run_id"])
}

func TestHistoryShowUnknownRunJSON(t *testing.T) {
	db := seedHistory(t)

	_, err := executeHistory(t, "json", "--db", db, "run-missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run run-missing not found")
}

func TestHistoryShowUnknownRun(t *testing.T) {
	db := seedHistory(t)

	_, err := executeHistory(t, "text", "--db", db, "run-missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run run-missing not found")
}

func TestHistoryMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")

	_, err := executeHistory(t, "text", "--db", missing)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.NoFileExists(t, missing)
}

func TestHistoryRequiresDB(t *testing.T) {
	_, err := executeHistory(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
