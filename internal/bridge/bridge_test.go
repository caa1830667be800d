package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/lanwatch/internal/protocol"
	"github.com/bc-dunia/lanwatch/internal/registry"
)

type published struct {
	subject string
	msg     Message
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats: connection closed")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{subject: subject, msg: m})
	return nil
}

func (f *fakePublisher) wait(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.msgs) >= n {
			out := append([]published(nil), f.msgs...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func startBridge(t *testing.T, reg *registry.Registry, pub Publisher) {
	t.Helper()
	b := New(reg, pub, "lanwatch.agents", 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for reg.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func TestBridgePublishesEvents(t *testing.T) {
	reg := registry.New()
	pub := &fakePublisher{}
	startBridge(t, reg, pub)

	lease := reg.Register(registry.Identity{ID: "a1", Name: "box"}, protocol.SysInfo{}, "10.0.0.2:5000", false, nil)
	if _, err := reg.Update(lease, protocol.MetricReport{Timestamp: 100, CPUPercent: 42, MemPercent: 60}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reg.Remove(lease, registry.ReasonDisconnected)

	msgs := pub.wait(t, 3)
	wantSubjects := []string{"lanwatch.agents.added", "lanwatch.agents.updated", "lanwatch.agents.removed"}
	for i, want := range wantSubjects {
		if msgs[i].subject != want {
			t.Errorf("msg %d subject = %q, want %q", i, msgs[i].subject, want)
		}
		if msgs[i].msg.AgentID != "a1" {
			t.Errorf("msg %d agent = %q", i, msgs[i].msg.AgentID)
		}
	}
	if msgs[0].msg.Name != "box" || msgs[0].msg.Report != nil {
		t.Errorf("added message = %+v", msgs[0].msg)
	}
	if rep := msgs[1].msg.Report; rep == nil || rep.CPUPercent != 42 || rep.Timestamp != 100 {
		t.Errorf("updated report = %+v", rep)
	}
	if msgs[2].msg.Reason != registry.ReasonDisconnected {
		t.Errorf("removed reason = %q", msgs[2].msg.Reason)
	}
}

func TestBridgeSurvivesPublishErrors(t *testing.T) {
	reg := registry.New()
	pub := &fakePublisher{fail: true}
	startBridge(t, reg, pub)

	lease := reg.Register(registry.Identity{ID: "a1"}, protocol.SysInfo{}, "", false, nil)
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	reg.Remove(lease, registry.ReasonDisconnected)
	msgs := pub.wait(t, 1)
	if msgs[0].subject != "lanwatch.agents.removed" {
		t.Errorf("subject = %q", msgs[0].subject)
	}
}

func TestBridgeDrainsQueuedEventsOnCancel(t *testing.T) {
	reg := registry.New()
	pub := &fakePublisher{}
	b := New(reg, pub, "lanwatch.agents", 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for reg.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for _, id := range []string{"a1", "a2", "a3"} {
		reg.Register(registry.Identity{ID: id}, protocol.SysInfo{}, "", false, nil)
	}
	reg.RemoveAll(registry.ReasonShutdown)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 6 {
		t.Fatalf("published %d messages, want 6", len(pub.msgs))
	}
	removed := 0
	for _, m := range pub.msgs {
		if m.subject == "lanwatch.agents.removed" && m.msg.Reason == registry.ReasonShutdown {
			removed++
		}
	}
	if removed != 3 {
		t.Errorf("shutdown removals published = %d, want 3", removed)
	}
}

func TestSubject(t *testing.T) {
	b := New(registry.New(), &fakePublisher{}, "site.a", 0, nil, nil)
	if got := b.Subject(registry.EventUpdated); got != "site.a.updated" {
		t.Errorf("Subject() = %q", got)
	}
}
