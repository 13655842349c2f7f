package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/maitred-ai/maitre/internal/events"
)

func TestAsyncSink_DeliversInOrder(t *testing.T) {
	t.Parallel()

	collect := &events.CollectSink{}
	sink := events.NewAsyncSink(collect, 16)

	for i := 0; i < 5; i++ {
		sink.Emit(context.Background(), events.New(events.TypeToolInvoked, "s-1", map[string]any{"n": i}))
	}
	sink.Close()

	got := collect.Events()
	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, e := range got {
		if e.Fields["n"] != i {
			t.Errorf("event %d out of order: n = %v", i, e.Fields["n"])
		}
	}
}

func TestAsyncSink_OverflowDropsOldestNonCritical(t *testing.T) {
	t.Parallel()

	// A downstream that blocks until released, so the queue actually fills.
	release := make(chan struct{})
	var delivered []events.Event
	blocking := events.NewCallbackSink(func(_ context.Context, e events.Event) {
		<-release
		delivered = append(delivered, e)
	})

	sink := events.NewAsyncSink(blocking, 2)

	// First event is pulled by the consumer and blocks; the next two fill
	// the queue; the fourth forces an eviction of the oldest non-critical.
	sink.Emit(context.Background(), events.New(events.TypeToolInvoked, "s-1", map[string]any{"n": 0}))
	waitForDrain(t, sink)
	sink.Emit(context.Background(), events.New(events.TypeToolInvoked, "s-1", map[string]any{"n": 1}))
	sink.Emit(context.Background(), events.New(events.TypeTurnReport, "s-1", map[string]any{"n": 2}))
	sink.Emit(context.Background(), events.New(events.TypeTurnReport, "s-1", map[string]any{"n": 3}))

	close(release)
	sink.Close()

	if sink.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sink.Dropped())
	}
	// The dropped event must be n=1 (oldest non-critical); both turn
	// reports survive.
	var ns []any
	for _, e := range delivered {
		ns = append(ns, e.Fields["n"])
	}
	want := []any{0, 2, 3}
	if len(ns) != len(want) {
		t.Fatalf("delivered n = %v, want %v", ns, want)
	}
	for i := range want {
		if ns[i] != want[i] {
			t.Errorf("delivered n = %v, want %v", ns, want)
			break
		}
	}
}

// waitForDrain waits until the sink's consumer has picked up everything
// queued so far.
func waitForDrain(t *testing.T, sink *events.AsyncSink) {
	t.Helper()
	// The consumer takes the whole queue as a batch; a short sleep is enough
	// for it to pick up the single pending event and block downstream.
	time.Sleep(20 * time.Millisecond)
}

func TestMultiSink_FansOut(t *testing.T) {
	t.Parallel()

	a, b := &events.CollectSink{}, &events.CollectSink{}
	multi := events.NewMultiSink(a, nil, b)
	multi.Emit(context.Background(), events.New(events.TypeConfigLoaded, "", nil))

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan-out delivered %d/%d events, want 1/1", len(a.Events()), len(b.Events()))
	}
}

func TestEvent_Critical(t *testing.T) {
	t.Parallel()

	if !events.New(events.TypeTurnReport, "s", nil).Critical() {
		t.Error("turn_report should be critical")
	}
	if events.New(events.TypeSemanticEvaluated, "s", nil).Critical() {
		t.Error("semantic_evaluated should be droppable")
	}
}
