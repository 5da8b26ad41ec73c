package aiproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/events"
)

type stubAdapter struct {
	mu    sync.Mutex
	lines [][]byte
}

func (a *stubAdapter) Translate(line []byte) ([]events.Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := append([]byte(nil), line...)
	a.lines = append(a.lines, cp)
	return []events.Update{{Kind: events.KindTextDelta, TextDelta: string(line)}}, nil
}

func TestSpawn_FeedsOutputLinesThroughAdapter(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{}
	updates := make(chan events.Update, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proc, err := Spawn(ctx, nil, adapter, "/bin/sh", []string{"-c", "echo hello; echo world"}, ".", func(u events.Update) {
		updates <- u
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if ok, err := proc.Wait(); !ok || err != nil {
		t.Fatalf("Wait: ok=%v err=%v", ok, err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case u := <-updates:
			seen[u.TextDelta] = true
		case <-deadline:
			t.Fatalf("timed out waiting for updates, got %v", seen)
		}
	}
	if !seen["hello"] || !seen["world"] {
		t.Fatalf("expected hello/world lines, got %v", seen)
	}
}

func TestKill_TerminatesRunningProcess(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{}
	ctx := context.Background()
	proc, err := Spawn(ctx, nil, adapter, "/bin/sh", []string{"-c", "sleep 30"}, ".", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit after Kill")
	}
}
