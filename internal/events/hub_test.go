package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBacklogKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeEventReceived, Transition{ID: string(rune('a' + i))})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubDeliversTransitionsToSubscribers(t *testing.T) {
	h := NewHub(10)
	sub := h.Subscribe(nil)
	defer sub.Close()
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(TypeEventCompleted, Transition{ID: "row-1", Provider: "razorpay", EventID: "evt_1", Status: "COMPLETED"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, TypeEventCompleted, ev.Type)
		var tr Transition
		require.NoError(t, json.Unmarshal(ev.Data, &tr))
		assert.Equal(t, "evt_1", tr.EventID)
		assert.Equal(t, "COMPLETED", tr.Status)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHubFilterByTopicAndType(t *testing.T) {
	h := NewHub(10)
	sub := h.Subscribe(ParseFilter(" job , webhook.failed,"))
	defer sub.Close()

	h.Publish(TypeEventCompleted, nil)
	h.Publish(TypeSchedulerTick, nil)
	h.Publish(TypeJobEnqueued, nil)
	h.Publish(TypeEventFailed, nil)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-sub.C:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("only received %v", got)
		}
	}
	assert.Equal(t, []string{TypeJobEnqueued, TypeEventFailed}, got)

	replay := h.Replay(0, Filter{"scheduler"})
	require.Len(t, replay, 1)
	assert.Equal(t, TypeSchedulerTick, replay[0].Type)
}

func TestHubCountsDroppedEvents(t *testing.T) {
	h := NewHub(10)
	sub := h.Subscribe(nil)
	defer sub.Close()

	for i := 0; i < cap(sub.ch)+5; i++ {
		h.Publish(TypeSchedulerTick, nil)
	}
	assert.Equal(t, int64(5), sub.Dropped())
}

func TestHubCloseClosesChannel(t *testing.T) {
	h := NewHub(10)
	sub := h.Subscribe(nil)
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())
	assert.NotPanics(t, func() { h.Publish(TypeEventFailed, nil) })
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypeEventFailed, nil) })
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	assert.True(t, ParseFilter("").Match(TypeJobFailed))
	assert.False(t, Filter{"webhook"}.Match(TypeJobFailed))
}
