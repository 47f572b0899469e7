package sandbox

import (
	"log/slog"
	"testing"
)

// Client creation does not talk to the daemon; only Ping and the
// lifecycle calls do. Daemon-dependent paths are exercised manually.
func TestNew_ClientConstruction(t *testing.T) {
	m, err := New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Skip("docker client init failed (expected without docker):", err)
	}
	defer m.Close()

	if m.containerID != "" {
		t.Errorf("fresh manager should have no container, got %q", m.containerID)
	}
}

func TestStop_NoContainerIsNoop(t *testing.T) {
	m, err := New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Skip("docker client init failed (expected without docker):", err)
	}
	defer m.Close()

	if err := m.Stop(t.Context(), Options{}, true); err != nil {
		t.Errorf("Stop without a container: %v", err)
	}
}
