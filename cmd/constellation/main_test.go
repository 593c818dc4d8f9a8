package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
	"github.com/AaronLay10/Constellation/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := executeWithStderr(t, args...)
	return out, err
}

func executeWithStderr(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

// assignedDevices maps task ids to the device named in their task.assigned
// events.
func assignedDevices(t *testing.T, stream string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(stream), "\n") {
		var e events.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		if e.Name == "task.assigned" {
			out[e.Fields["task_id"].(string)] = e.Fields["device_id"].(string)
		}
	}
	return out
}

func writeGraph(t *testing.T, graph string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(graph), 0o644))
	return path
}

const pipeline = `{
	"name": "release",
	"tasks": [
		{"task_id": "fetch", "required_capabilities": ["shell"]},
		{"task_id": "test", "required_capabilities": ["shell"]},
		{"task_id": "package", "required_capabilities": ["docker"]}
	],
	"edges": [
		{"from": "fetch", "to": "test"},
		{"from": "test", "to": "package"}
	]
}`

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "constellation "+version.Version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writeGraph(t, pipeline))
	require.NoError(t, err)
	assert.Contains(t, out, "3 tasks")
	assert.Contains(t, out, "entry points: fetch")

	_, err = execute(t, "validate", writeGraph(t, `{"tasks":[{"task_id":"a","dependencies":["a"]}]}`))
	assert.ErrorIs(t, err, orchestrator.ErrCycleDetected)

	_, err = execute(t, "validate", writeGraph(t, `{"tasks":[{"task_id":"a","priority":1}]}`))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = execute(t, "validate")
	assert.Error(t, err)
}

func TestRunCommand_Simulated(t *testing.T) {
	out, stream, err := executeWithStderr(t, "run", "--simulate", "--events", "--timeout", "30s", writeGraph(t, pipeline))
	require.NoError(t, err)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, orchestrator.StateCompleted, report.State)
	require.Len(t, report.Snapshot.Tasks, 3)
	for _, task := range report.Snapshot.Tasks {
		assert.Equal(t, orchestrator.StatusCompleted, task.Status, task.TaskID)
		assert.Contains(t, string(task.Result), `"simulated":true`)
	}
	assert.Equal(t, map[string]string{"fetch": "local", "test": "local", "package": "local"}, assignedDevices(t, stream))
}

func TestRunCommand_UsesDeclaredDevices(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "constellation.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
version: 1
orchestrator:
  poll_interval: 10ms
devices:
  - id: builder
    platform: linux
    capabilities: [shell, docker]
`), 0o644))

	out, stream, err := executeWithStderr(t, "run", "--simulate", "--events", "--config", cfgPath, writeGraph(t, pipeline))
	require.NoError(t, err)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, orchestrator.StateCompleted, report.State)
	assert.Equal(t, "builder", assignedDevices(t, stream)["package"])
}

func TestRunCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "run", "--simulate", "--config", filepath.Join(t.TempDir(), "missing.yaml"), writeGraph(t, pipeline))
	assert.Error(t, err)
}

func TestGraphCapabilities(t *testing.T) {
	g, err := orchestrator.ParseInitialGraph([]byte(pipeline))
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "shell"}, graphCapabilities(*g))
	assert.Equal(t, []string{"fetch"}, entryPoints(*g))
}
