package bus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/smile-run/smile/internal/loopstate"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(IterationStart(1))

	select {
	case env := <-sub.Ch():
		if env.Topic != EventIterationStart {
			t.Errorf("topic = %q, want iteration_start", env.Topic)
		}
		p, ok := env.Payload.Payload.(IterationStartPayload)
		if !ok {
			t.Fatalf("payload type %T", env.Payload.Payload)
		}
		if p.Iteration != 1 {
			t.Errorf("iteration = %d, want 1", p.Iteration)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	completeOnly := b.Subscribe(EventLoopComplete)
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(completeOnly)

	b.Publish(IterationStart(1))
	b.Publish(LoopComplete(loopstate.StatusCompleted, "done", 3))

	if got := len(all.Ch()); got != 2 {
		t.Errorf("unfiltered subscriber has %d events, want 2", got)
	}
	if got := len(completeOnly.Ch()); got != 1 {
		t.Errorf("filtered subscriber has %d events, want 1", got)
	}
	env := <-completeOnly.Ch()
	if env.Topic != EventLoopComplete {
		t.Errorf("filtered subscriber got %q", env.Topic)
	}
}

func TestSlowSubscriberLosesOldestEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Publish past the buffer without consuming anything.
	total := defaultBufferSize + 10
	for i := 1; i <= total; i++ {
		b.Publish(IterationStart(i))
	}

	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", got, defaultBufferSize)
	}

	// The oldest events were evicted: the first readable event is number 11.
	first := <-sub.Ch()
	if p := first.Payload.Payload.(IterationStartPayload); p.Iteration != total-defaultBufferSize+1 {
		t.Errorf("first buffered iteration = %d, want %d", p.Iteration, total-defaultBufferSize+1)
	}

	// Drain; the newest event must be present.
	var last Envelope
	for len(sub.Ch()) > 0 {
		last = <-sub.Ch()
	}
	if p := last.Payload.Payload.(IterationStartPayload); p.Iteration != total {
		t.Errorf("last buffered iteration = %d, want %d", p.Iteration, total)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*5; i++ {
			b.Publish(Error("flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestOrderPreservedForKeptEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 1; i <= 50; i++ {
		b.Publish(IterationStart(i))
	}

	prev := 0
	for len(sub.Ch()) > 0 {
		env := <-sub.Ch()
		it := env.Payload.Payload.(IterationStartPayload).Iteration
		if it <= prev {
			t.Fatalf("events out of order: %d after %d", it, prev)
		}
		prev = it
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := New()
	b.Publish(Error("nobody listening"))
}

func TestEventWireFormat(t *testing.T) {
	st := loopstate.New()
	data, err := json.Marshal(Connected(st))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"event":"connected"`) || !strings.Contains(s, `"payload"`) || !strings.Contains(s, `"state"`) {
		t.Errorf("connected wire form: %s", s)
	}

	data, _ = json.Marshal(StudentOutput(2, loopstate.StudentOutput{
		Status:      loopstate.StudentAskMentor,
		Summary:     "stuck on step 3",
		CurrentStep: "Step 3: install deps",
	}))
	s = string(data)
	if !strings.Contains(s, `"event":"student_output"`) ||
		!strings.Contains(s, `"status":"ask_mentor"`) ||
		!strings.Contains(s, `"currentStep":"Step 3: install deps"`) {
		t.Errorf("student_output wire form: %s", s)
	}

	data, _ = json.Marshal(LoopComplete(loopstate.StatusMaxIterationsReached, "limit hit", 10))
	s = string(data)
	if !strings.Contains(s, `"event":"loop_complete"`) ||
		!strings.Contains(s, `"status":"max_iterations_reached"`) ||
		!strings.Contains(s, `"iterations":10`) {
		t.Errorf("loop_complete wire form: %s", s)
	}
}
