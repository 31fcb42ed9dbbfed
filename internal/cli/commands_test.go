package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/ir"
)

// workspace copies testdata/workspace into a temp dir and returns the path
// of its config file.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.CopyFS(dir, os.DirFS("testdata/workspace")))
	return filepath.Join(dir, "provsync.yaml")
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decode unmarshals the data of a JSON response into v.
func decode(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func applied(t *testing.T) string {
	t.Helper()
	cfg := workspace(t)
	_, err := execute(t, "--config", cfg, "catalog", "apply")
	require.NoError(t, err)
	return cfg
}

func TestCatalogValidate(t *testing.T) {
	cfg := workspace(t)

	out, err := execute(t, "--config", cfg, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 1 system(s), 1 role(s), 2 mapping(s), 1 breaker(s), 2 sync config(s), 1 account(s)")
}

func TestCatalogValidateReportsEveryProblem(t *testing.T) {
	out, err := execute(t, "catalog", "validate", "testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Catalog has 3 problem(s)")
	assert.Contains(t, out, "[E201]")
	assert.Contains(t, out, "[E202]")
	assert.Contains(t, out, "[E206]")
}

func TestCatalogValidateJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "catalog", "validate", "testdata/invalid")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeCatalog, resp.Error.Code)
	assert.Len(t, resp.Error.Details, 3)
}

func TestCatalogValidateMissingDirectory(t *testing.T) {
	_, err := execute(t, "catalog", "validate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load catalog")
}

func TestCatalogApplyIsIdempotent(t *testing.T) {
	cfg := workspace(t)

	var first, second ApplySummary
	out, err := execute(t, "--config", cfg, "--format", "json", "catalog", "apply")
	require.NoError(t, err)
	decode(t, out, &first)
	assert.Equal(t, 1, first.Result.AccountsCreated)
	assert.Equal(t, 2, first.Result.SyncConfigs)

	out, err = execute(t, "--config", cfg, "--format", "json", "catalog", "apply")
	require.NoError(t, err)
	decode(t, out, &second)
	assert.Equal(t, 0, second.Result.AccountsCreated)
	assert.Equal(t, 1, second.Result.AccountsUpdated)
}

func TestCatalogApplyRejectsInvalidCatalog(t *testing.T) {
	db := filepath.Join(t.TempDir(), "provsync.db")

	_, err := execute(t, "--db", db, "catalog", "apply", "testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, "--db", db, "--format", "json", "sync", "configs")
	require.NoError(t, err)
	var list ConfigList
	decode(t, out, &list)
	assert.Empty(t, list.Configs)
}

func TestProvisionCreatesRemoteObject(t *testing.T) {
	cfg := applied(t)

	out, err := execute(t, "--config", cfg, "--format", "json", "provision", "ldap/user/ada")
	require.NoError(t, err)
	var op OperationOutput
	decode(t, out, &op)
	assert.Equal(t, ir.StateExecuted, op.State)
	assert.Equal(t, ir.ResultOK, op.ResultCode)
	assert.Equal(t, "ada", op.UID)

	out, err = execute(t, "--config", cfg, "--format", "json", "archive", "list", "--uid", "ada")
	require.NoError(t, err)
	var archives ArchiveList
	decode(t, out, &archives)
	require.Len(t, archives.Archives, 1)
	a := archives.Archives[0]
	assert.Equal(t, op.OperationID, a.OperationID)
	assert.Equal(t, ir.OpCreate, a.Kind)
	assert.Equal(t, "cli", a.CreatedBy)
	assert.Equal(t, ir.Str("/bin/sh"), a.Payload["shell"])
}

func TestProvisionErrors(t *testing.T) {
	cfg := applied(t)

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"unknown account", []string{"provision", "ldap/user/nobody"}, ExitCommandError, "Error [E005]"},
		{"bad kind", []string{"provision", "ldap/user/ada", "--kind", "DELETE"}, ExitCommandError, "must be CREATE or UPDATE"},
		{"delete unknown account", []string{"account", "delete", "ldap/user/nobody"}, ExitCommandError, "Error [E005]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"--config", cfg}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestSyncRunAndLogs(t *testing.T) {
	cfg := applied(t)

	out, err := execute(t, "--config", cfg, "--format", "json", "sync", "run", "users")
	require.NoError(t, err)
	var run RunOutput
	decode(t, out, &run)
	assert.Equal(t, ir.RunFinished, run.Log.State)
	assert.Equal(t, 2, run.Log.Summary.Items)
	assert.Equal(t, 1, run.Log.Summary.Situations[ir.SituationCreateEntity])
	assert.Equal(t, 1, run.Log.Summary.Situations[ir.SituationMissingEntity])

	out, err = execute(t, "--config", cfg, "--format", "json", "account", "list", "--system", "ldap", "--entity", "user")
	require.NoError(t, err)
	var accounts AccountList
	decode(t, out, &accounts)
	require.Len(t, accounts.Accounts, 2)
	assert.Equal(t, "ada", accounts.Accounts[0].UID)
	assert.False(t, accounts.Accounts[0].Enabled)
	assert.Equal(t, "grace", accounts.Accounts[1].UID)
	assert.True(t, accounts.Accounts[1].Enabled)

	out, err = execute(t, "--config", cfg, "--format", "json", "logs", "list", "--state", "finished")
	require.NoError(t, err)
	var logs LogList
	decode(t, out, &logs)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, run.Log.ID, logs.Logs[0].ID)

	out, err = execute(t, "--config", cfg, "--format", "json", "logs", "show", run.Log.ID)
	require.NoError(t, err)
	var detail LogDetail
	decode(t, out, &detail)
	require.Len(t, detail.Items, 2)

	out, err = execute(t, "--config", cfg, "logs", "delete", run.Log.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted sync log "+run.Log.ID)

	_, err = execute(t, "--config", cfg, "logs", "show", run.Log.ID)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncRunText(t *testing.T) {
	cfg := applied(t)

	out, err := execute(t, "--config", cfg, "sync", "run", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "FINISHED")
	assert.Contains(t, out, "CREATE_ENTITY")
	assert.Contains(t, out, "MISSING_ENTITY")
}

func TestSyncRunRejectsUnusableConfigs(t *testing.T) {
	cfg := applied(t)

	_, err := execute(t, "--config", cfg, "sync", "run", "archived")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "disabled")

	_, err = execute(t, "--config", cfg, "sync", "run", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestSyncConfigsShowsToken(t *testing.T) {
	cfg := applied(t)
	_, err := execute(t, "--config", cfg, "sync", "run", "users")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "--format", "json", "sync", "configs")
	require.NoError(t, err)
	var list ConfigList
	decode(t, out, &list)
	require.Len(t, list.Configs, 2)
	byName := map[string]ConfigEntry{}
	for _, c := range list.Configs {
		byName[c.Name] = c
	}
	assert.NotEmpty(t, byName["users"].Token)
	assert.Empty(t, byName["archived"].Token)
}

func TestRecoverWithNothingPending(t *testing.T) {
	cfg := applied(t)

	out, err := execute(t, "--config", cfg, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "Recovered 0 operation(s), closed 0 stale sync log(s)")
}

func TestArchiveListRejectsBadRange(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "x.db"), "archive", "list",
		"--since", "2026-02-01T00:00:00Z", "--until", "2026-01-01T00:00:00Z")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "recover")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
