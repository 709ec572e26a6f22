package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestParseConfigRequiresTarget(t *testing.T) {
	t.Parallel()

	var cfg *struct{}
	if err := ParseConfig(cfg); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseArgsRequiresFlagSet(t *testing.T) {
	t.Parallel()

	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected flag parser error")
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseArgs(fs, nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	t.Parallel()

	err := RunWithTelemetry(context.Background(), " ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected service name error")
	}
}

func TestRunWithTelemetryRunsLoop(t *testing.T) {
	ran := false
	err := RunWithTelemetry(context.Background(), ServiceCourt, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ran {
		t.Fatal("expected run loop to execute")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	want := errors.New("listen failed")
	err := RunWithTelemetry(context.Background(), ServiceCourt, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected run error, got %v", err)
	}
}
