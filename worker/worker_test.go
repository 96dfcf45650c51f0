package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/logging"
)

func testSettings() *config.Settings {
	s := config.Default()
	s.LLM.OpenAIAPIKey = "sk-test"
	return s
}

func TestNewAssignsGeneratedIDWhenEmpty(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "")
	if w.ID == "" {
		t.Fatal("expected a generated worker ID")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected initial state stopped, got %s", w.State())
	}
}

func TestNewPrefersExplicitWorkerID(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "worker-explicit")
	if w.ID != "worker-explicit" {
		t.Fatalf("expected explicit worker ID to win, got %q", w.ID)
	}
}

func TestNewFallsBackToSettingsWorkerID(t *testing.T) {
	s := testSettings()
	s.Worker.WorkerID = "worker-from-settings"
	w := New(s, logging.NoOp{}, "")
	if w.ID != "worker-from-settings" {
		t.Fatalf("expected settings worker ID to be used, got %q", w.ID)
	}
}

func TestStopOnAlreadyStoppedWorkerIsNoop(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "worker-1")
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("expected stopping an already-stopped worker to be a no-op, got %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("expected state to remain stopped, got %s", w.State())
	}
}

func TestStartRefusesNonStoppedState(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "worker-2")
	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected starting an already-running worker to fail")
	}
}

func TestStatsReportsZeroedCountersBeforeStart(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "worker-3")
	stats := w.Stats()

	if stats["worker_id"] != "worker-3" {
		t.Fatalf("unexpected worker_id in stats: %v", stats["worker_id"])
	}
	if stats["state"] != string(StateStopped) {
		t.Fatalf("expected stopped state in stats, got %v", stats["state"])
	}
	if stats["tasks_processed"] != int64(0) || stats["tasks_failed"] != int64(0) {
		t.Fatalf("expected zeroed counters, got %v", stats)
	}
	if stats["uptime_seconds"] != 0 {
		t.Fatalf("expected zero uptime before start, got %v", stats["uptime_seconds"])
	}
}

func TestIsRunningReflectsState(t *testing.T) {
	w := New(testSettings(), logging.NoOp{}, "worker-4")
	if w.IsRunning() {
		t.Fatal("expected a freshly constructed worker to not be running")
	}
	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()
	if !w.IsRunning() {
		t.Fatal("expected IsRunning to report true once state is running")
	}
}

func TestPoolStatsReflectsEachWorker(t *testing.T) {
	p := NewPool(3, testSettings(), logging.NoOp{})
	p.workers = []*Worker{
		New(testSettings(), logging.NoOp{}, "w-a"),
		New(testSettings(), logging.NoOp{}, "w-b"),
	}
	stats := p.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats entries, got %d", len(stats))
	}
}

func TestFmtWorkerIDIncludesIndex(t *testing.T) {
	id := fmtWorkerID(7)
	if !strings.HasPrefix(id, "worker-7-") || len(id) != len("worker-7-")+8 {
		t.Fatalf("unexpected worker id shape: %q", id)
	}
}
