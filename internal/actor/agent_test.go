package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// scriptedCaller returns a fixed action JSON, optionally blocking each
// call until released. Call count approximates cycle count (pool size
// one).
type scriptedCaller struct {
	mu      sync.Mutex
	calls   int
	reply   string
	gate    chan struct{} // nil = don't block
	started chan struct{} // signaled when a call begins
}

func (c *scriptedCaller) GenerateText(ctx context.Context, spec string, messages []providers.Message, opts providers.Options) (*providers.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &providers.Response{Content: c.reply}, nil
}

func (c *scriptedCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const waitTrueReply = `{"action": "wait", "params": {"wait": true}, "reasoning": "idle"}`

func newTestAgent(t *testing.T, caller ModelCaller) *Agent {
	t.Helper()
	a := New(Config{
		RecordID:         store.GenNewID(),
		AgentID:          "agent-under-test",
		TaskID:           store.GenNewID(),
		ModelPool:        []string{"fake/model"},
		CapabilityGroups: []string{"core"},
		PromptFields: PromptFields{
			Provided: ProvidedFields{TaskDescription: "test the loop"},
		},
		Budget:     budget.NA(),
		RetryMax:   1,
		BackoffMS:  10,
		Models:     caller,
		Engine:     consensus.NewEngine(nil, decimal.Zero),
		RouterDeps: router.Deps{Config: config.RouterConfig{}},
	})
	a.Start()
	t.Cleanup(a.Terminate)
	return a
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// N triggers posted during a running cycle collapse into exactly one
// additional cycle.
func TestDrainCollapsesTriggers(t *testing.T) {
	caller := &scriptedCaller{
		reply:   waitTrueReply,
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	a := newTestAgent(t, caller)

	a.Send(UserMessage{Content: "go"})
	<-caller.started // first cycle is in flight

	for i := 0; i < 5; i++ {
		a.Send(TriggerConsensus{})
	}
	close(caller.gate) // release every call

	eventually(t, func() bool { return caller.count() == 2 }, "expected exactly 2 cycles")

	// Idle now: a state read must answer and no further cycle run.
	if _, ok := a.SyncState(time.Second); !ok {
		t.Fatal("get_state timed out")
	}
	time.Sleep(50 * time.Millisecond)
	if got := caller.count(); got != 2 {
		t.Errorf("cycles = %d after idle, want 2", got)
	}
}

// stop_requested after K triggers: the triggers run (collapsed into
// one cycle), then the actor terminates normally.
func TestStopAfterTriggers(t *testing.T) {
	caller := &scriptedCaller{
		reply:   waitTrueReply,
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	a := newTestAgent(t, caller)

	a.Send(UserMessage{Content: "go"})
	<-caller.started

	for i := 0; i < 3; i++ {
		a.Send(TriggerConsensus{})
	}
	a.Send(StopRequested{})
	close(caller.gate)

	select {
	case <-a.Stopped():
	case <-time.After(3 * time.Second):
		t.Fatal("actor did not stop")
	}
	if got := caller.count(); got != 2 {
		t.Errorf("cycles = %d, want 2 (first + one drained)", got)
	}
}

func TestStopWhileIdle(t *testing.T) {
	caller := &scriptedCaller{reply: waitTrueReply}
	a := newTestAgent(t, caller)

	a.Send(StopRequested{})
	select {
	case <-a.Stopped():
	case <-time.After(time.Second):
		t.Fatal("idle actor did not stop")
	}
	if caller.count() != 0 {
		t.Errorf("stop alone ran %d cycles", caller.count())
	}
}

// Duplicate child_spawned deliveries do not duplicate the child.
func TestIdempotentChildTracking(t *testing.T) {
	caller := &scriptedCaller{reply: waitTrueReply}
	a := newTestAgent(t, caller)

	now := time.Now()
	a.Send(ChildSpawned{AgentID: "child-1", SpawnedAt: now})
	a.Send(ChildSpawned{AgentID: "child-1", SpawnedAt: now})
	a.Send(ChildSpawned{AgentID: "child-2", SpawnedAt: now})

	st, ok := a.SyncState(time.Second)
	if !ok {
		t.Fatal("get_state timed out")
	}
	if len(st.Children) != 2 {
		t.Fatalf("children = %v, want [child-1 child-2]", st.Children)
	}

	a.Send(ChildDismissed{AgentID: "child-1"})
	a.Send(ChildDismissed{AgentID: "child-1"})
	st, _ = a.SyncState(time.Second)
	if len(st.Children) != 1 || st.Children[0] != "child-2" {
		t.Fatalf("children after dismissal = %v", st.Children)
	}
}

// Budget escrow messages apply in mailbox order.
func TestBudgetMessages(t *testing.T) {
	caller := &scriptedCaller{reply: waitTrueReply}
	a := New(Config{
		RecordID:         store.GenNewID(),
		AgentID:          "budget-agent",
		TaskID:           store.GenNewID(),
		ModelPool:        []string{"fake/model"},
		CapabilityGroups: []string{"core"},
		PromptFields:     PromptFields{Provided: ProvidedFields{TaskDescription: "t"}},
		Budget:           budget.Capped(budget.ModeAllocated, decimal.NewFromInt(100)),
		Models:           caller,
		Engine:           consensus.NewEngine(nil, decimal.Zero),
		RouterDeps:       router.Deps{Config: config.RouterConfig{}},
	})
	a.Start()
	t.Cleanup(a.Terminate)

	a.Send(UpdateBudgetCommitted{Delta: decimal.NewFromInt(30)})
	a.Send(ReleaseBudgetCommitted{Amount: decimal.NewFromInt(30)})

	st, ok := a.SyncState(time.Second)
	if !ok {
		t.Fatal("get_state timed out")
	}
	if !st.Budget.Committed.IsZero() {
		t.Errorf("committed = %s after lock+release", st.Budget.Committed)
	}
}

// A stale wait timer ref does not wake the agent.
func TestStaleWaitTimerIgnored(t *testing.T) {
	caller := &scriptedCaller{reply: waitTrueReply}
	a := newTestAgent(t, caller)

	a.Send(WaitExpired{TimerRef: store.GenNewID()})
	time.Sleep(50 * time.Millisecond)
	if caller.count() != 0 {
		t.Errorf("stale timer triggered %d cycles", caller.count())
	}
}

// A model response wrapped in prose and fences still parses.
func TestParseActionResponse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare json", `{"action":"wait","params":{"wait":true}}`, "wait", false},
		{"fenced", "Here you go:\n```json\n{\"action\": \"todo\", \"params\": {}}\n```", "todo", false},
		{"prose around", "I think\n{\"action\":\"orient\",\"params\":{\"situation\":\"x\"}}\nthanks", "orient", false},
		{"no json", "I cannot decide", "", true},
		{"no action field", `{"params": {}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseActionResponse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Type != tt.want {
				t.Errorf("action = %q, want %q", got.Type, tt.want)
			}
		})
	}
}

// The record survives an encode/decode roundtrip with state intact.
func TestRecordRoundtrip(t *testing.T) {
	caller := &scriptedCaller{reply: waitTrueReply}
	a := newTestAgent(t, caller)

	a.Send(ChildSpawned{AgentID: "c1", SpawnedAt: time.Now()})
	a.Send(UpdateTodos{Items: []Todo{{Content: "step one", State: "pending"}}})
	if _, ok := a.SyncState(time.Second); !ok {
		t.Fatal("get_state timed out")
	}

	// Snapshot through the actor's own goroutine is not needed here:
	// the actor is idle after the sync read.
	rec, err := a.EncodeRecord()
	if err != nil {
		t.Fatal(err)
	}

	cfg, fields, state, err := DecodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelPool[0] != "fake/model" {
		t.Errorf("model pool = %v", cfg.ModelPool)
	}
	if fields.Provided.TaskDescription != "test the loop" {
		t.Errorf("task description = %q", fields.Provided.TaskDescription)
	}
	if len(state.Children) != 1 || state.Children[0] != "c1" {
		t.Errorf("children = %v", state.Children)
	}
	if len(state.Todos) != 1 || state.Todos[0].Content != "step one" {
		t.Errorf("todos = %v", state.Todos)
	}
}
