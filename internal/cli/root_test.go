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

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData unmarshals the data of an "ok" JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "offsync", cmd.Use)
	assert.Contains(t, cmd.Long, "offline-first")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"append", "state", "events", "unsynced", "sync", "resolve", "conflicts", "snapshot",
		"verify", "replay", "clear", "run", "serve", "token", "schema",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("node-id"))
}

func TestResolveCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	resolveCmd, _, err := cmd.Find([]string{"resolve"})
	require.NoError(t, err)

	strategyFlag := resolveCmd.Flags().Lookup("strategy")
	require.NotNil(t, strategyFlag)
	assert.Equal(t, "s", strategyFlag.Shorthand)
	assert.Equal(t, "last-write-wins", strategyFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "unsynced", "--format", "yaml", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestUnknownFlag(t *testing.T) {
	_, err := execute(t, "unsynced", "--nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigWithUnknownKey(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "offsync.yaml", "databse: x.db\n")

	_, err := execute(t, "unsynced", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "offsync.yaml", "db: "+filepath.Join(dir, "from-config.db")+"\nnode_id: config-node\n")
	dbPath := filepath.Join(dir, "from-flag.db")

	out, err := execute(t, "append", "case-1", "case", "created",
		"--config", cfg, "--db", dbPath, "--node-id", "flag-node", "--format", "json")
	require.NoError(t, err)

	var ev struct {
		NodeID string `json:"nodeId"`
	}
	decodeData(t, out, &ev)
	assert.Equal(t, "flag-node", ev.NodeID)
	assert.FileExists(t, dbPath)
	assert.NoFileExists(t, filepath.Join(dir, "from-config.db"))
}

func TestExecute_Success(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"unsynced", "--db", filepath.Join(t.TempDir(), "x.db"), "--format", "json"}, stdout, stderr)

	assert.Equal(t, ExitSuccess, code, stderr.String())
	var n UnsyncedResult
	decodeData(t, stdout.String(), &n)
	assert.Equal(t, int64(0), n.Count)
}

func TestExecute_JSONErrorResponse(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"sync", "--db", filepath.Join(t.TempDir(), "x.db"), "--format", "json"}, stdout, stderr)

	assert.Equal(t, ExitCommandError, code)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp), stdout.String())
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCommand, resp.Error.Code)
	assert.Equal(t, "no sync endpoint configured", resp.Error.Message)
}

func TestExecute_StorageErrorCode(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"unsynced", "--db", "/nonexistent/dir/x.db", "--format", "json"}, stdout, stderr)

	assert.Equal(t, ExitCommandError, code)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp), stdout.String())
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeStorage, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "failed to open database")
}

func TestExecute_TextErrorOnStderr(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"unsynced", "--nope"}, stdout, stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "Error [E001]: invalid flags")
}
