package logger_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	pcontext "github.com/starterkit/starterkit/pkg/context"
	"github.com/starterkit/starterkit/pkg/logger"
)

func TestCreateLogger(t *testing.T) {
	log := logger.CreateLogger("", "info")
	if log == nil {
		t.Fatal("expected logger to be created")
	}
}

func TestLogger_WithStarter(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.WithStarter("angular").Info("checking lock file")

	output := buf.String()
	if !strings.Contains(output, "[angular] checking lock file") {
		t.Errorf("expected starter prefix in log output, got %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Success("lock files in sync")

	if !strings.Contains(buf.String(), "✅ lock files in sync") {
		t.Error("expected success message in log output")
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Info("done",
		logger.WithField("zeta", 1),
		logger.WithField("alpha", "a"),
	)

	if !strings.Contains(buf.String(), "{alpha=a, zeta=1}") {
		t.Errorf("expected sorted fields, got %q", buf.String())
	}
}

func TestLogger_MultipleStarters(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	base.WithStarter("koa").Info("koa message")
	base.WithStarter("egg").Info("egg message")

	output := buf.String()
	if !strings.Contains(output, "[koa]") || !strings.Contains(output, "[egg]") {
		t.Errorf("expected both starter prefixes, got %q", output)
	}
}

func TestLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("error", &buf)

	log.Debug("should not appear")
	log.Info("should not appear")
	log.Warn("should not appear")
	log.Error("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("lower level logs should not appear with error level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("error level log should appear")
	}
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("chatty", &buf)

	log.Debug("hidden")
	log.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug should be filtered at the default level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info should be logged at the default level")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	ctx := pcontext.WithRunID(context.Background(), "run_test")
	ctx = pcontext.WithStarter(ctx, "graphql")
	ctx = pcontext.WithOperation(ctx, "lock-check")

	logger.WithContext(ctx, base).Info("started")

	output := buf.String()
	for _, want := range []string{"[graphql]", "run_id=run_test", "operation=lock-check"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}
