package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chimeworks/chime/job"
)

func testHub() *Hub {
	return NewHub(zap.NewNop().Sugar())
}

func event(jobID string, status job.Status, final bool) Event {
	return Event{JobID: jobID, Status: status, Final: final, Timestamp: time.Now()}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	h := testHub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(event("job-1", job.StatusRunning, false))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with zero subscribers")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h := testHub()

	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	h.Publish(event("job-1", job.StatusScheduled, false))
	h.Publish(event("job-1", job.StatusRunning, false))

	ev := <-ch
	assert.Equal(t, job.StatusScheduled, ev.Status)
	ev = <-ch
	assert.Equal(t, job.StatusRunning, ev.Status)
}

func TestEventsRouteByJobID(t *testing.T) {
	h := testHub()

	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	h.Publish(event("job-2", job.StatusRunning, false))

	select {
	case ev := <-ch:
		t.Fatalf("received event for another job: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := testHub()

	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	// Nobody reads; the buffer fills and further publishes drop rather
	// than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < SubscriberBufferSize*2; i++ {
			h.Publish(event("job-1", job.StatusRunning, false))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, SubscriberBufferSize, "channel holds only its buffer")
}

func TestLateSubscriberGetsTerminalReplay(t *testing.T) {
	h := testHub()

	h.Publish(event("job-1", job.StatusCompleted, true))

	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	select {
	case ev := <-ch:
		assert.Equal(t, job.StatusCompleted, ev.Status)
		assert.True(t, ev.Terminal())
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received the terminal event")
	}
}

func TestNonFinalEventsAreNotReplayed(t *testing.T) {
	h := testHub()

	// A failure with retry attempts left keeps the stream open
	h.Publish(event("job-1", job.StatusFailed, false))

	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected replay of non-final event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminalStateDroppedAfterLastObserverLeaves(t *testing.T) {
	h := testHub()

	ch := h.Subscribe("job-1")
	h.Publish(event("job-1", job.StatusCompleted, true))
	<-ch
	h.Unsubscribe("job-1", ch)

	assert.Equal(t, 0, h.Subscribers("job-1"))

	// The observed terminal event was garbage-collected; a brand new
	// subscriber starts from nothing.
	ch2 := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch2)
	select {
	case ev := <-ch2:
		t.Fatalf("terminal event should have been dropped, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotRestoresReplayAfterCollection(t *testing.T) {
	h := testHub()

	ch := h.Subscribe("job-1")
	h.Publish(event("job-1", job.StatusCompleted, true))
	<-ch
	h.Unsubscribe("job-1", ch)

	// The cached terminal event is gone, but a subscriber carrying the
	// record's terminal state still gets its replay, exactly once.
	ch2 := h.SubscribeWithSnapshot("job-1", event("job-1", job.StatusCompleted, true))
	defer h.Unsubscribe("job-1", ch2)

	select {
	case ev := <-ch2:
		assert.Equal(t, job.StatusCompleted, ev.Status)
		assert.True(t, ev.Terminal())
	case <-time.After(time.Second):
		t.Fatal("snapshot subscriber never received the terminal event")
	}
	assert.Len(t, ch2, 0, "replay delivers a single event")
}

func TestSnapshotOfLiveJobSeedsNothing(t *testing.T) {
	h := testHub()

	ch := h.SubscribeWithSnapshot("job-1", event("job-1", job.StatusRunning, false))
	defer h.Unsubscribe("job-1", ch)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected replay for a live job: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventFromJobFinality(t *testing.T) {
	j, err := job.New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	ev := EventFromJob(j)
	assert.Equal(t, job.StatusPending, ev.Status)
	assert.False(t, ev.Terminal())

	// Failed below the attempt ceiling: the retry keeps the stream open
	j.Status = job.StatusFailed
	j.AttemptCount = 1
	j.MaxAttempts = 3
	assert.False(t, EventFromJob(j).Terminal())

	// Failed at the ceiling: permanent
	j.AttemptCount = 3
	assert.True(t, EventFromJob(j).Terminal())

	j.Status = job.StatusCompleted
	assert.True(t, EventFromJob(j).Terminal())
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	h := testHub()

	ch1 := h.Subscribe("job-1")
	ch2 := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch1)
	defer h.Unsubscribe("job-1", ch2)

	assert.Equal(t, 2, h.Subscribers("job-1"))

	h.Publish(event("job-1", job.StatusRunning, false))
	assert.Equal(t, job.StatusRunning, (<-ch1).Status)
	assert.Equal(t, job.StatusRunning, (<-ch2).Status)
}
