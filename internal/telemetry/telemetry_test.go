package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("No-op shutdown failed: %v", err)
	}
}

func TestInitWithEndpoint(t *testing.T) {
	// No spans are exported, so no connection is attempted.
	shutdown, err := Init(context.Background(), "127.0.0.1:4318", "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
