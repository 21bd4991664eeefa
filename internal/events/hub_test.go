package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := range 5 {
		h.Publish(ScanLaunched, Scan{Report: "r", PID: i + 1})
	}

	got := h.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].ID, got[1].ID, got[2].ID})

	var payload Scan
	require.NoError(t, json.Unmarshal(got[2].Data, &payload))
	assert.Equal(t, 5, payload.PID)

	assert.Len(t, h.Since(4), 1)
	assert.Empty(t, h.Since(5))
}

func TestSubscribeReceivesAndUnsubscribes(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(ScanRequeued, Scan{Report: "r1", Reason: "stale"})
	ev := <-ch
	assert.Equal(t, ScanRequeued, ev.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	assert.NotPanics(t, func() { h.Publish(SchedulerTick, Tick{}) })
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	for range subscriberBuffer + 50 {
		h.Publish(SchedulerTick, nil)
	}
	assert.Len(t, h.Since(0), 10)
}

func TestNilHubDropsEvents(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(ScanLaunched, nil) })
}
