// Package bidding implements the agent side of the Contract Net Protocol:
// subscribing to task announcements, evaluating whether to bid, computing
// a load-aware marginal cost, submitting bids, and running the award
// heartbeat loop. Wire keys match the orchestrator's literals exactly —
// apex:cnp:announcements, apex:cnp:bids:{task_id}, apex:cnp:awards:{agent_id},
// apex:cnp:heartbeat:{task_id}.
package bidding

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/logging"
)

const (
	AnnouncementsChannel = "apex:cnp:announcements"
	BidsQueuePrefix      = "apex:cnp:bids:"
	AwardsQueuePrefix    = "apex:cnp:awards:"
	HeartbeatPrefix      = "apex:cnp:heartbeat:"
)

// TaskAnnouncement is a task announcement broadcast by the orchestrator on
// AnnouncementsChannel.
type TaskAnnouncement struct {
	TaskID       string                 `json:"task_id"`
	Description  string                 `json:"description"`
	Requirements []string               `json:"requirements"`
	DeadlineSecs int                    `json:"deadline_secs"`
	MinBidCount  int                    `json:"min_bid_count"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// UnmarshalJSON applies the same defaults as the orchestrator's decoder:
// deadline_secs defaults to 30, min_bid_count to 1, requirements/metadata
// default to empty rather than nil.
func (t *TaskAnnouncement) UnmarshalJSON(data []byte) error {
	var aux struct {
		TaskID       string                 `json:"task_id"`
		Description  string                 `json:"description"`
		Requirements []string               `json:"requirements"`
		DeadlineSecs *int                   `json:"deadline_secs"`
		MinBidCount  *int                   `json:"min_bid_count"`
		Metadata     map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.TaskID = aux.TaskID
	t.Description = aux.Description
	t.Requirements = aux.Requirements
	if t.Requirements == nil {
		t.Requirements = []string{}
	}
	t.DeadlineSecs = 30
	if aux.DeadlineSecs != nil {
		t.DeadlineSecs = *aux.DeadlineSecs
	}
	t.MinBidCount = 1
	if aux.MinBidCount != nil {
		t.MinBidCount = *aux.MinBidCount
	}
	t.Metadata = aux.Metadata
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	return nil
}

// MarshalJSON always emits requirements/metadata as empty collections
// rather than null, so MarshalJSON(UnmarshalJSON(x)) == x for every field,
// including defaulted ones.
func (t TaskAnnouncement) MarshalJSON() ([]byte, error) {
	req := t.Requirements
	if req == nil {
		req = []string{}
	}
	meta := t.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return json.Marshal(struct {
		TaskID       string                 `json:"task_id"`
		Description  string                 `json:"description"`
		Requirements []string               `json:"requirements"`
		DeadlineSecs int                    `json:"deadline_secs"`
		MinBidCount  int                    `json:"min_bid_count"`
		Metadata     map[string]interface{} `json:"metadata"`
	}{t.TaskID, t.Description, req, t.DeadlineSecs, t.MinBidCount, meta})
}

// AgentBid is one agent's bid for an announced task.
type AgentBid struct {
	AgentID           string   `json:"agent_id"`
	TaskID            string   `json:"task_id"`
	EstimatedCost     float64  `json:"estimated_cost"`
	EstimatedDuration float64  `json:"estimated_duration"`
	Confidence        float64  `json:"confidence"`
	Capabilities      []string `json:"capabilities"`
}

// AwardDecision is the orchestrator's award notification, delivered on the
// winning (and, implicitly, any losing) agent's award queue.
type AwardDecision struct {
	TaskID     string                 `json:"task_id"`
	WinningBid map[string]interface{} `json:"winning_bid"`
	RunnerUp   map[string]interface{} `json:"runner_up,omitempty"`
	TotalBids  int                    `json:"total_bids"`
}

// Option configures an Agent at construction time.
type Option func(*Agent)

func WithCapabilities(caps []string) Option {
	return func(a *Agent) { a.Capabilities = append([]string(nil), caps...) }
}

func WithBaseCost(cost float64) Option {
	return func(a *Agent) { a.BaseCost = cost }
}

func WithComplexityPremium(premium float64) Option {
	return func(a *Agent) { a.ComplexityPremium = premium }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) { a.HeartbeatInterval = d }
}

func WithHeartbeatTTL(d time.Duration) Option {
	return func(a *Agent) { a.HeartbeatTTL = d }
}

func WithLogger(l logging.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// Agent is the agent-side CNP participant: it listens for announcements,
// evaluates and bids on tasks it can handle, and heartbeats tasks it wins
// until told they're complete.
type Agent struct {
	AgentID           string
	Capabilities      []string
	BaseCost          float64
	ComplexityPremium float64
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	redisURL string
	logger   logging.Logger

	mu          sync.Mutex
	client      *redis.Client
	queueDepth  int
	activeTasks map[string]context.CancelFunc

	heartbeatWG  sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds an Agent that connects lazily to redisURL, configured by opts.
// Defaults: base cost $0.01, complexity premium $0.005, 5s heartbeats with
// a 15s TTL, matching the orchestrator's own defaults.
func New(redisURL string, opts ...Option) *Agent {
	a := &Agent{
		AgentID:           uuid.New().String(),
		BaseCost:          0.01,
		ComplexityPremium: 0.005,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTTL:      15 * time.Second,
		redisURL:          redisURL,
		activeTasks:       make(map[string]context.CancelFunc),
		shutdownCh:        make(chan struct{}),
		logger:            logging.NoOp{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Bind(map[string]interface{}{"component": "bidding_agent", "agent_id": a.AgentID})
	return a
}

// QueueDepth returns the agent's current self-reported task load.
func (a *Agent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueDepth
}

func (a *Agent) connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	opts, err := redis.ParseURL(a.redisURL)
	if err != nil {
		return apexerr.New("bidding.Agent.connect", apexerr.KindConfiguration, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return apexerr.New("bidding.Agent.connect", apexerr.KindTransientIO, err)
	}
	a.client = client
	a.logger.Debug("connected to redis")
	return nil
}

// Close signals shutdown, cancels every in-flight heartbeat, and closes the
// Redis connection.
func (a *Agent) Close() error {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })

	a.mu.Lock()
	for _, cancel := range a.activeTasks {
		cancel()
	}
	a.activeTasks = make(map[string]context.CancelFunc)
	client := a.client
	a.client = nil
	a.mu.Unlock()

	a.heartbeatWG.Wait()

	if client != nil {
		return client.Close()
	}
	return nil
}

// ListenForAnnouncements subscribes to AnnouncementsChannel and, for every
// JSON-decodable announcement, invokes callback if non-nil or otherwise
// auto-evaluates and bids. Malformed payloads are skipped with a warning.
// Returns when ctx is cancelled or Close is called.
func (a *Agent) ListenForAnnouncements(ctx context.Context, callback func(context.Context, TaskAnnouncement)) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	pubsub := client.Subscribe(ctx, AnnouncementsChannel)
	defer pubsub.Close()

	a.logger.Info("listening for task announcements")
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.shutdownCh:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ann TaskAnnouncement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				a.logger.Warn("ignoring malformed announcement", map[string]interface{}{"error": err.Error()})
				continue
			}
			if callback != nil {
				callback(ctx, ann)
			} else {
				a.autoEvaluateAndBid(ctx, ann)
			}
		}
	}
}

func (a *Agent) autoEvaluateAndBid(ctx context.Context, ann TaskAnnouncement) {
	bid := a.EvaluateTask(ann)
	if bid == nil {
		return
	}
	if err := a.SubmitBid(ctx, *bid); err != nil {
		a.logger.Warn("failed to submit bid", map[string]interface{}{"task_id": ann.TaskID, "error": err.Error()})
	}
}

// EvaluateTask decides whether to bid on ann, returning nil if the agent
// has no capability overlap with ann's (non-empty) requirements.
func (a *Agent) EvaluateTask(ann TaskAnnouncement) *AgentBid {
	matched := intersect(a.Capabilities, ann.Requirements)

	if len(ann.Requirements) > 0 && len(matched) == 0 {
		a.logger.Debug("skipping task — no capability match", map[string]interface{}{
			"task_id": ann.TaskID, "required": ann.Requirements,
		})
		return nil
	}

	matchRatio := 1.0
	if len(ann.Requirements) > 0 {
		matchRatio = float64(len(matched)) / float64(len(ann.Requirements))
	}

	cost := a.MarginalCost(ann)
	estimatedDuration := 10.0 + 5.0*float64(len(ann.Requirements))

	loadPenalty := math.Max(0.5, 1.0-0.1*float64(a.QueueDepth()))
	confidence := math.Min(1.0, matchRatio*loadPenalty)

	caps := matched
	if len(ann.Requirements) == 0 {
		caps = append([]string(nil), a.Capabilities...)
	}

	bid := &AgentBid{
		AgentID:           a.AgentID,
		TaskID:            ann.TaskID,
		EstimatedCost:     cost,
		EstimatedDuration: estimatedDuration,
		Confidence:        confidence,
		Capabilities:      caps,
	}

	a.logger.Debug("computed bid", map[string]interface{}{"task_id": ann.TaskID, "cost": cost, "confidence": confidence})
	return bid
}

// MarginalCost computes cost = base_cost + 0.002*queue_depth +
// complexity_premium*len(requirements), rounded to 6 decimal places.
func (a *Agent) MarginalCost(ann TaskAnnouncement) float64 {
	const loadFactor = 0.002
	cost := a.BaseCost + loadFactor*float64(a.QueueDepth()) + a.ComplexityPremium*float64(len(ann.Requirements))
	return math.Round(cost*1e6) / 1e6
}

// SubmitBid serializes bid and pushes it to the tail of
// apex:cnp:bids:{task_id}.
func (a *Agent) SubmitBid(ctx context.Context, bid AgentBid) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(bid)
	if err != nil {
		return apexerr.New("bidding.Agent.SubmitBid", apexerr.KindUnknown, err)
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if err := client.RPush(ctx, BidsQueuePrefix+bid.TaskID, payload).Err(); err != nil {
		return apexerr.New("bidding.Agent.SubmitBid", apexerr.KindTransientIO, err)
	}
	a.logger.Info("bid submitted", map[string]interface{}{"task_id": bid.TaskID, "cost": bid.EstimatedCost, "confidence": bid.Confidence})
	return nil
}

// WaitForAward head-pops this agent's award queue with timeout, returning
// (nil, nil) on timeout.
func (a *Agent) WaitForAward(ctx context.Context, timeout time.Duration) (*AwardDecision, error) {
	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	key := AwardsQueuePrefix + a.AgentID
	result, err := client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apexerr.New("bidding.Agent.WaitForAward", apexerr.KindTransientIO, err)
	}
	if len(result) != 2 {
		return nil, nil
	}

	var award AwardDecision
	if err := json.Unmarshal([]byte(result[1]), &award); err != nil {
		return nil, apexerr.New("bidding.Agent.WaitForAward", apexerr.KindUnknown, err)
	}
	return &award, nil
}

// HandleAward begins tracking award's task as active and starts its
// heartbeat loop, running every HeartbeatInterval until CompleteTask or
// Close.
func (a *Agent) HandleAward(ctx context.Context, award AwardDecision) {
	a.mu.Lock()
	a.queueDepth++
	hbCtx, cancel := context.WithCancel(ctx)
	a.activeTasks[award.TaskID] = cancel
	a.mu.Unlock()

	a.logger.Info("task awarded — starting execution", map[string]interface{}{"task_id": award.TaskID})

	a.heartbeatWG.Add(1)
	go func() {
		defer a.heartbeatWG.Done()
		a.heartbeatLoop(hbCtx, award.TaskID)
	}()
}

func (a *Agent) heartbeatLoop(ctx context.Context, taskID string) {
	a.logger.Debug("starting heartbeat", map[string]interface{}{"task_id": taskID})
	for {
		if err := a.SendHeartbeat(ctx, taskID); err != nil {
			a.logger.Warn("failed to send heartbeat", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		}
		select {
		case <-ctx.Done():
			a.logger.Debug("heartbeat cancelled", map[string]interface{}{"task_id": taskID})
			return
		case <-time.After(a.HeartbeatInterval):
		}
	}
}

// SendHeartbeat writes apex:cnp:heartbeat:{task_id} with this agent's ID
// and the current timestamp, TTLed by HeartbeatTTL.
func (a *Agent) SendHeartbeat(ctx context.Context, taskID string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"agent_id":  a.AgentID,
		"task_id":   taskID,
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return apexerr.New("bidding.Agent.SendHeartbeat", apexerr.KindUnknown, err)
	}

	return client.Set(ctx, HeartbeatPrefix+taskID, payload, a.HeartbeatTTL).Err()
}

// CompleteTask stops taskID's heartbeat and decrements the queue depth
// (floored at zero), matching current_queue_depth's invariant.
func (a *Agent) CompleteTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.queueDepth > 0 {
		a.queueDepth--
	}
	if cancel, ok := a.activeTasks[taskID]; ok {
		cancel()
		delete(a.activeTasks, taskID)
	}

	a.logger.Info("task completed", map[string]interface{}{"task_id": taskID})
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0)
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
