package process_test

import (
	"context"
	"os"
	"testing"

	"github.com/starterkit/starterkit/pkg/process"
)

func TestManager_StopRunsHandlersInReverse(t *testing.T) {
	m := process.NewManager(nil)

	var order []string
	m.RegisterShutdownHandler(func() { order = append(order, "remove workspace") })
	m.RegisterShutdownHandler(func() { order = append(order, "stop dev server") })

	ctx := m.Start(context.Background())
	if !m.IsRunning() {
		t.Fatal("expected manager to be running")
	}

	m.Stop()
	m.Stop()

	if ctx.Err() == nil {
		t.Error("expected run context to be cancelled")
	}
	if len(order) != 2 || order[0] != "stop dev server" || order[1] != "remove workspace" {
		t.Errorf("unexpected handler order %v", order)
	}
	if m.IsRunning() {
		t.Error("manager should be stopped")
	}
}

func TestIsAlive(t *testing.T) {
	if !process.IsAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if process.IsAlive(0) || process.IsAlive(-1) {
		t.Error("invalid pids are never alive")
	}
}
