package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestMainWithArgs(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	err := mainWithArgs(context.Background(), []string{"slam-supervisor", "-config", filepath.Join(dir, "missing.json")}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error reading supervisor config")

	path := filepath.Join(dir, "supervisor.json")
	test.That(t, os.WriteFile(path, []byte(`{"broker":"tcp://localhost:1883","device_id":"jetson_01"}`), 0o600),
		test.ShouldBeNil)
	err = mainWithArgs(context.Background(), []string{"slam-supervisor", "-config", path}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "executable")
}
