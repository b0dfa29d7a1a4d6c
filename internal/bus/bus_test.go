package bus

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func collectEvents(t *testing.T, b *Bus, id, topic string) (*sync.Mutex, *[]Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	b.Subscribe(id, topic, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return &mu, &got
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"tasks:1:messages", "tasks:1:messages", true},
		{"tasks:1:messages", "tasks:2:messages", false},
		{"tasks:*", "tasks:1:messages", true},
		{"tasks:*", "agents:1:logs", false},
		{"agents:*", "agents:abc:spawned", true},
		{"*", "anything", true},
		{"shell:events", "shell:events", true},
	}
	for _, tt := range tests {
		if got := topicMatches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestPublishFanout(t *testing.T) {
	b := New()
	defer b.Close()

	muA, gotA := collectEvents(t, b, "a", "tasks:1:messages")
	muB, gotB := collectEvents(t, b, "b", "tasks:*")
	muC, gotC := collectEvents(t, b, "c", "agents:*")

	b.Publish(Event{Topic: "tasks:1:messages", Name: "message"})

	eventually(t, func() bool {
		muA.Lock()
		defer muA.Unlock()
		return len(*gotA) == 1
	}, "literal subscriber missed event")
	eventually(t, func() bool {
		muB.Lock()
		defer muB.Unlock()
		return len(*gotB) == 1
	}, "wildcard subscriber missed event")

	time.Sleep(20 * time.Millisecond)
	muC.Lock()
	if len(*gotC) != 0 {
		t.Errorf("non-matching subscriber got %d events", len(*gotC))
	}
	muC.Unlock()
}

// A slow subscriber loses oldest events instead of blocking Publish.
func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var got []string
	b.Subscribe("slow", "t", func(ev Event) {
		<-block
		mu.Lock()
		got = append(got, ev.Name)
		mu.Unlock()
	})

	total := subscriberQueueSize * 3
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			b.Publish(Event{Topic: "t", Name: strconv.Itoa(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)

	// The newest event survives the overflow; the oldest ones do not.
	want := strconv.Itoa(total - 1)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == want
	}, "newest event never delivered")
	mu.Lock()
	defer mu.Unlock()
	if len(got) >= total {
		t.Errorf("delivered %d of %d events, want the oldest dropped", len(got), total)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	mu, got := collectEvents(t, b, "x", "t")
	b.Unsubscribe("x")
	b.Publish(Event{Topic: "t", Name: "n"})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("unsubscribed handler received %d events", len(*got))
	}
}
