package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// fakePoster records deferred results.
type fakePoster struct {
	mu        sync.Mutex
	results   []Outcome
	batchSubs []Outcome
	completed [][]Outcome
	notify    chan struct{}
}

func newFakePoster() *fakePoster {
	return &fakePoster{notify: make(chan struct{}, 16)}
}

func (p *fakePoster) PostActionResult(actionID uuid.UUID, actionType string, outcome Outcome) {
	p.mu.Lock()
	p.results = append(p.results, outcome)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *fakePoster) PostBatchActionResult(batchID uuid.UUID, subIndex int, actionType string, outcome Outcome) {
	p.mu.Lock()
	p.batchSubs = append(p.batchSubs, outcome)
	p.mu.Unlock()
}

func (p *fakePoster) PostBatchCompleted(batchID uuid.UUID, results []Outcome) {
	p.mu.Lock()
	p.completed = append(p.completed, results)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *fakePoster) waitOne(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(timeout):
		t.Fatal("no deferred result arrived")
	}
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	return New(Deps{
		Vault: secrets.NewVault(nil, ""),
		Shell: NewShellSupervisor("", nil),
		Config: config.RouterConfig{
			ShellThresholdMS: 100,
			ActionTimeoutSec: 10,
			MaxResultBytes:   50_000,
		},
	})
}

func dispatch(t *testing.T, r *Router, actionType string, params map[string]interface{}, poster Poster) Outcome {
	t.Helper()
	if poster == nil {
		poster = newFakePoster()
	}
	return r.Dispatch(context.Background(), Request{
		ActionID: store.GenNewID(),
		AgentID:  "router-test-agent",
		TaskID:   store.GenNewID(),
		Budget:   budget.NA(),
		Spec:     action.Spec{Type: actionType, Params: action.ParamsFromAny(params)},
	}, poster)
}

func TestShellSyncFastCommand(t *testing.T) {
	r := testRouter(t)
	outcome := dispatch(t, r, action.TypeShell, map[string]interface{}{
		"command": "echo hello",
		"wait":    false,
	}, nil)

	if outcome.Failed() || outcome.Async {
		t.Fatalf("outcome = %+v", outcome)
	}
	stdout := outcome.Payload.Map["stdout"].S
	if strings.TrimSpace(stdout) != "hello" {
		t.Errorf("stdout = %q", stdout)
	}
	if outcome.Payload.Map["exit_code"].I != 0 {
		t.Errorf("exit_code = %v", outcome.Payload.Map["exit_code"])
	}
}

// Past the smart-mode threshold the command goes async: an ack now,
// the real result later, the process never restarted.
func TestShellSmartModeAsync(t *testing.T) {
	r := testRouter(t)
	poster := newFakePoster()

	outcome := dispatch(t, r, action.TypeShell, map[string]interface{}{
		"command": "sleep 0.4; echo done",
		"wait":    false,
	}, poster)

	if !outcome.Async {
		t.Fatalf("expected async ack, got %+v", outcome)
	}
	commandID := outcome.Payload.Map["command_id"].S
	if commandID == "" {
		t.Fatal("ack missing command_id")
	}
	if outcome.Payload.Map["status"].S != ShellRunning {
		t.Errorf("ack status = %q", outcome.Payload.Map["status"].S)
	}

	poster.waitOne(t, 5*time.Second)
	poster.mu.Lock()
	final := poster.results[0]
	poster.mu.Unlock()
	if final.Failed() {
		t.Fatalf("final = %+v", final)
	}
	if got := strings.TrimSpace(final.Payload.Map["stdout"].S); got != "done" {
		t.Errorf("final stdout = %q", got)
	}
}

// A check continuation reads buffered output without the original
// router instance or agent involvement.
func TestShellCheckContinuation(t *testing.T) {
	r := testRouter(t)
	poster := newFakePoster()

	ack := dispatch(t, r, action.TypeShell, map[string]interface{}{
		"command": "echo first; sleep 0.5; echo second",
		"wait":    false,
	}, poster)
	if !ack.Async {
		t.Fatalf("expected async, got %+v", ack)
	}
	commandID := ack.Payload.Map["command_id"].S

	time.Sleep(150 * time.Millisecond)
	check := dispatch(t, New(r.deps), action.TypeShell, map[string]interface{}{
		"check_id": commandID,
		"wait":     false,
	}, nil)
	if check.Failed() {
		t.Fatalf("check = %+v", check)
	}
	if got := strings.TrimSpace(check.Payload.Map["stdout"].S); got != "first" {
		t.Errorf("first check stdout = %q", got)
	}

	poster.waitOne(t, 5*time.Second)

	// Terminate continuation on an exited process is idempotent.
	term := dispatch(t, New(r.deps), action.TypeShell, map[string]interface{}{
		"check_id":  commandID,
		"terminate": true,
		"wait":      false,
	}, nil)
	if term.Failed() {
		t.Fatalf("terminate = %+v", term)
	}
}

func TestShellUnknownCheckID(t *testing.T) {
	r := testRouter(t)
	outcome := dispatch(t, r, action.TypeShell, map[string]interface{}{
		"check_id": "nope",
		"wait":     false,
	}, nil)
	if outcome.Err != "unknown_command_id" {
		t.Errorf("err = %q", outcome.Err)
	}
}

// Batch stops at the first failure, preserving earlier successes and
// never attempting later actions.
func TestBatchSyncEarlyTermination(t *testing.T) {
	r := testRouter(t)
	tmp := t.TempDir()
	marker := filepath.Join(tmp, "third-ran")

	outcome := dispatch(t, r, action.TypeBatchSync, map[string]interface{}{
		"actions": []interface{}{
			map[string]interface{}{"action": "shell", "params": map[string]interface{}{
				"command": "echo 1", "wait": false,
			}},
			map[string]interface{}{"action": "fetch_web", "params": map[string]interface{}{
				"url": "http://unreachable.invalid/",
			}},
			map[string]interface{}{"action": "shell", "params": map[string]interface{}{
				"command": "touch " + marker, "wait": false,
			}},
		},
	}, nil)

	if !outcome.Failed() {
		t.Fatalf("batch should fail, got %+v", outcome)
	}
	if outcome.Err != "endpoint_unreachable" {
		t.Errorf("err = %q, want endpoint_unreachable", outcome.Err)
	}

	completed := outcome.Payload.Map["completed"]
	if len(completed.Items) != 1 {
		t.Fatalf("completed = %d results, want 1", len(completed.Items))
	}
	first := completed.Items[0].Map["payload"]
	if got := strings.TrimSpace(first.Map["stdout"].S); got != "1" {
		t.Errorf("preserved result stdout = %q", got)
	}
	if outcome.Payload.Map["failed_at"].I != 1 {
		t.Errorf("failed_at = %v", outcome.Payload.Map["failed_at"])
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("third action ran after the failure")
	}
}

func TestBatchAsyncPostsResults(t *testing.T) {
	r := testRouter(t)
	poster := newFakePoster()

	ack := dispatch(t, r, action.TypeBatchAsync, map[string]interface{}{
		"actions": []interface{}{
			map[string]interface{}{"action": "shell", "params": map[string]interface{}{
				"command": "echo a", "wait": false,
			}},
			map[string]interface{}{"action": "shell", "params": map[string]interface{}{
				"command": "echo b", "wait": false,
			}},
		},
	}, poster)
	if !ack.Async {
		t.Fatalf("expected ack, got %+v", ack)
	}

	poster.waitOne(t, 5*time.Second)
	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.completed) != 1 || len(poster.completed[0]) != 2 {
		t.Fatalf("completed = %+v", poster.completed)
	}
	if len(poster.batchSubs) != 2 {
		t.Errorf("sub results = %d, want 2", len(poster.batchSubs))
	}
}

func TestFileWriteModes(t *testing.T) {
	r := testRouter(t)
	tmp := t.TempDir()
	path := filepath.Join(tmp, "notes.txt")

	// write creates
	outcome := dispatch(t, r, action.TypeFileWrite, map[string]interface{}{
		"path": path, "mode": "write", "content": "alpha beta alpha",
	}, nil)
	if outcome.Failed() {
		t.Fatalf("write = %+v", outcome)
	}

	// write refuses existing
	outcome = dispatch(t, r, action.TypeFileWrite, map[string]interface{}{
		"path": path, "mode": "write", "content": "x",
	}, nil)
	if outcome.Err != "invalid_mode" {
		t.Errorf("overwrite err = %q", outcome.Err)
	}

	// ambiguous edit fails without replace_all
	outcome = dispatch(t, r, action.TypeFileWrite, map[string]interface{}{
		"path": path, "mode": "edit", "old_string": "alpha", "new_string": "gamma",
	}, nil)
	if !outcome.Failed() {
		t.Error("ambiguous edit accepted")
	}

	// replace_all succeeds
	outcome = dispatch(t, r, action.TypeFileWrite, map[string]interface{}{
		"path": path, "mode": "edit", "old_string": "alpha", "new_string": "gamma", "replace_all": true,
	}, nil)
	if outcome.Failed() {
		t.Fatalf("replace_all = %+v", outcome)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "gamma beta gamma" {
		t.Errorf("content = %q", data)
	}
}

func TestFileReadRules(t *testing.T) {
	r := testRouter(t)
	tmp := t.TempDir()

	// relative path refused
	outcome := dispatch(t, r, action.TypeFileRead, map[string]interface{}{"path": "relative.txt"}, nil)
	if outcome.Err != "invalid_working_dir" {
		t.Errorf("relative path err = %q", outcome.Err)
	}

	// directory refused
	outcome = dispatch(t, r, action.TypeFileRead, map[string]interface{}{"path": tmp}, nil)
	if !outcome.Failed() {
		t.Error("directory read accepted")
	}

	// binary refused
	binPath := filepath.Join(tmp, "bin")
	os.WriteFile(binPath, []byte{0x00, 0x01, 0x02}, 0o644)
	outcome = dispatch(t, r, action.TypeFileRead, map[string]interface{}{"path": binPath}, nil)
	if !outcome.Failed() {
		t.Error("binary read accepted")
	}

	// windowed read
	textPath := filepath.Join(tmp, "text")
	os.WriteFile(textPath, []byte("l1\nl2\nl3\nl4"), 0o644)
	outcome = dispatch(t, r, action.TypeFileRead, map[string]interface{}{
		"path": textPath, "offset": 1, "limit": 2,
	}, nil)
	if outcome.Failed() {
		t.Fatalf("windowed read = %+v", outcome)
	}
	if !strings.HasPrefix(outcome.Payload.Map["content"].S, "l2\nl3") {
		t.Errorf("window = %q", outcome.Payload.Map["content"].S)
	}
}

func TestTruncation(t *testing.T) {
	r := New(Deps{Config: config.RouterConfig{MaxResultBytes: 10}})
	out, truncated := r.truncate("0123456789ABCDEF")
	if !truncated {
		t.Fatal("not truncated")
	}
	if !strings.Contains(out, "[truncated: 6 bytes omitted]") {
		t.Errorf("marker missing: %q", out)
	}
	if !strings.HasPrefix(out, "0123456789") {
		t.Errorf("prefix lost: %q", out)
	}
}

func TestDispatchValidationFailure(t *testing.T) {
	r := testRouter(t)
	outcome := dispatch(t, r, action.TypeShell, map[string]interface{}{
		"command": "ls", "check_id": "x", "wait": false,
	}, nil)
	if outcome.Err != "xor_violation" {
		t.Errorf("err = %q, want xor_violation", outcome.Err)
	}
}
