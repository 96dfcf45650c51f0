package bidding

import (
	"encoding/json"
	"testing"
)

func TestTaskAnnouncementUnmarshalAppliesDefaults(t *testing.T) {
	var ann TaskAnnouncement
	if err := json.Unmarshal([]byte(`{"task_id":"t1","description":"do a thing"}`), &ann); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ann.DeadlineSecs != 30 {
		t.Fatalf("expected default deadline_secs 30, got %d", ann.DeadlineSecs)
	}
	if ann.MinBidCount != 1 {
		t.Fatalf("expected default min_bid_count 1, got %d", ann.MinBidCount)
	}
	if ann.Requirements == nil || len(ann.Requirements) != 0 {
		t.Fatalf("expected empty non-nil requirements, got %v", ann.Requirements)
	}
	if ann.Metadata == nil {
		t.Fatal("expected non-nil metadata")
	}
}

func TestTaskAnnouncementRoundTripsExplicitValues(t *testing.T) {
	raw := `{"task_id":"t2","description":"research","requirements":["web_search"],"deadline_secs":60,"min_bid_count":2,"metadata":{"priority":"high"}}`
	var ann TaskAnnouncement
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}

	var roundTripped TaskAnnouncement
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unexpected error unmarshaling round trip: %v", err)
	}
	if roundTripped.DeadlineSecs != 60 || roundTripped.MinBidCount != 2 {
		t.Fatalf("expected explicit values preserved, got %+v", roundTripped)
	}
	if len(roundTripped.Requirements) != 1 || roundTripped.Requirements[0] != "web_search" {
		t.Fatalf("unexpected requirements after round trip: %v", roundTripped.Requirements)
	}
}

func TestMarginalCostMatchesFormula(t *testing.T) {
	a := New("redis://localhost:6379", WithBaseCost(0.01), WithComplexityPremium(0.005))

	ann := TaskAnnouncement{TaskID: "t1", Requirements: []string{"a", "b"}}
	got := a.MarginalCost(ann)
	want := 0.01 + 0.002*0 + 0.005*2 // queue depth 0, 2 requirements
	if got != want {
		t.Fatalf("expected marginal cost %v, got %v", want, got)
	}

	a.mu.Lock()
	a.queueDepth = 3
	a.mu.Unlock()
	got = a.MarginalCost(ann)
	want = 0.01 + 0.002*3 + 0.005*2
	if got != want {
		t.Fatalf("expected marginal cost with queue depth 3 to be %v, got %v", want, got)
	}
}

func TestEvaluateTaskReturnsNilWithNoCapabilityMatch(t *testing.T) {
	a := New("redis://localhost:6379", WithCapabilities([]string{"code_generation"}))
	ann := TaskAnnouncement{TaskID: "t1", Requirements: []string{"web_search", "translation"}}

	if bid := a.EvaluateTask(ann); bid != nil {
		t.Fatalf("expected nil bid for no capability overlap, got %+v", bid)
	}
}

func TestEvaluateTaskBidsOnPartialMatch(t *testing.T) {
	a := New("redis://localhost:6379", WithCapabilities([]string{"web_search", "summarization"}))
	ann := TaskAnnouncement{TaskID: "t1", Requirements: []string{"web_search", "translation"}}

	bid := a.EvaluateTask(ann)
	if bid == nil {
		t.Fatal("expected a bid when at least one capability matches")
	}
	if len(bid.Capabilities) != 1 || bid.Capabilities[0] != "web_search" {
		t.Fatalf("expected bid capabilities to be just the matched subset, got %v", bid.Capabilities)
	}
	if bid.Confidence <= 0 || bid.Confidence > 1 {
		t.Fatalf("expected confidence in (0, 1], got %v", bid.Confidence)
	}
	if bid.EstimatedDuration != 10.0+5.0*2 {
		t.Fatalf("unexpected estimated duration: %v", bid.EstimatedDuration)
	}
}

func TestEvaluateTaskWithNoRequirementsUsesFullCapabilitySet(t *testing.T) {
	a := New("redis://localhost:6379", WithCapabilities([]string{"web_search", "summarization"}))
	ann := TaskAnnouncement{TaskID: "t1"}

	bid := a.EvaluateTask(ann)
	if bid == nil {
		t.Fatal("expected a bid when the task carries no requirements")
	}
	if len(bid.Capabilities) != 2 {
		t.Fatalf("expected full capability set offered, got %v", bid.Capabilities)
	}
	if bid.Confidence != 1.0 {
		t.Fatalf("expected full confidence with no requirements and no load, got %v", bid.Confidence)
	}
}

func TestCompleteTaskFloorsQueueDepthAtZero(t *testing.T) {
	a := New("redis://localhost:6379")
	a.CompleteTask("nonexistent-task")
	if a.QueueDepth() != 0 {
		t.Fatalf("expected queue depth to stay floored at 0, got %d", a.QueueDepth())
	}

	a.mu.Lock()
	a.queueDepth = 1
	a.activeTasks["t1"] = func() {}
	a.mu.Unlock()

	a.CompleteTask("t1")
	if a.QueueDepth() != 0 {
		t.Fatalf("expected queue depth to drop to 0, got %d", a.QueueDepth())
	}
	a.mu.Lock()
	_, stillTracked := a.activeTasks["t1"]
	a.mu.Unlock()
	if stillTracked {
		t.Fatal("expected completed task to be removed from activeTasks")
	}
}
