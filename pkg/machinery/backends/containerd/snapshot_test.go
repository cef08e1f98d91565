package containerd

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestInspectSnapshotMissingFile(t *testing.T) {
	if _, err := InspectSnapshot("/nonexistent/does-not-exist.img"); err == nil {
		t.Fatal("expected error for missing snapshot image")
	}
}

func TestEnsureContainerFailsFastOnMissingSnapshot(t *testing.T) {
	b := New("", nil, zerolog.Nop())
	cfg := Config{Name: "vm1", Image: "cuckoonode/win10-x64:base", SnapshotPath: "/nonexistent/does-not-exist.img"}

	err := b.ensureContainer(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected ensureContainer to fail on a missing snapshot image")
	}
}
