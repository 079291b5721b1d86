package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hyperengineering/flowsync/internal/cache"
	"github.com/hyperengineering/flowsync/internal/types"
)

// executeCmd runs a flowsync subcommand with captured output. The
// FLOWSYNC_* env vars point the agent at a throwaway data root.
func executeCmd(t *testing.T, dataRoot string, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	t.Setenv("FLOWSYNC_DATA_ROOT", dataRoot)
	t.Setenv("FLOWSYNC_IDENTITY", "test-agent")
	t.Setenv("FLOWSYNC_DEV_MODE", "true")

	exportOutput = ""

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)
	if stdin != "" {
		rootCmd.SetIn(strings.NewReader(stdin))
	}

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	rootCmd.SetIn(nil)

	return outBuf.String(), errBuf.String(), err
}

func seedCache(t *testing.T, dataRoot string) {
	t.Helper()
	local, err := cache.Open(dataRoot, "test-agent", nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer local.Close()

	task := types.Task{
		ID:     "01HQZX3VJ4N5P6Q7R8S9T0V1W2",
		Title:  "exported task",
		Status: types.StatusOpen,
	}
	if err := local.UpsertTask(task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestExportWritesJSONL(t *testing.T) {
	dataRoot := t.TempDir()
	seedCache(t, dataRoot)

	stdout, _, err := executeCmd(t, dataRoot, "", "export")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, `"exported task"`) {
		t.Errorf("stdout = %q, want exported task in JSONL output", stdout)
	}
	if !strings.Contains(stdout, `"kind":"task"`) {
		t.Errorf("stdout = %q, want kind discriminator per line", stdout)
	}
}

func TestImportReadsStdin(t *testing.T) {
	dataRoot := t.TempDir()

	line := `{"kind":"task","task":{"id":"01HQZX3VJ4N5P6Q7R8S9T0V1W2","title":"imported","status":"open","version":1,"updated_at":"2026-03-01T12:00:00Z"}}` + "\n"
	stdout, _, err := executeCmd(t, dataRoot, line, "import")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Imported 1 entities") {
		t.Errorf("stdout = %q, want import count", stdout)
	}

	local, err := cache.Open(dataRoot, "test-agent", nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer local.Close()
	task, err := local.GetTask("01HQZX3VJ4N5P6Q7R8S9T0V1W2")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Title != "imported" {
		t.Errorf("title = %q, want %q", task.Title, "imported")
	}
}

func TestExportThenImportRoundTrip(t *testing.T) {
	source := t.TempDir()
	seedCache(t, source)

	stdout, _, err := executeCmd(t, source, "", "export")
	if err != nil {
		t.Fatalf("export error: %v", err)
	}

	dest := t.TempDir()
	importOut, _, err := executeCmd(t, dest, stdout, "import")
	if err != nil {
		t.Fatalf("import error: %v", err)
	}
	if !strings.Contains(importOut, "Imported 1 entities") {
		t.Errorf("import output = %q, want one entity", importOut)
	}
}

func TestAgentRequiresRemote(t *testing.T) {
	dataRoot := t.TempDir()

	_, _, err := executeCmd(t, dataRoot, "", "once")
	if err == nil || !strings.Contains(err.Error(), "no remote configured") {
		t.Fatalf("error = %v, want missing-remote failure", err)
	}
}
