package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainReturnsEventsInOrder(t *testing.T) {
	q := NewQueue(4)
	now := time.Now()
	q.Publish(New(GridUpdated, "s1", "BTCUSDT", now, nil))
	q.Publish(New(GridPositionOpened, "s1", "BTCUSDT", now, nil))

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, GridUpdated, got[0].Type)
	assert.Equal(t, GridPositionOpened, got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	assert.Nil(t, q.Drain(), "queue should be empty after drain")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 5; i++ {
		q.Publish(Event{ID: string(rune('a' + i))})
	}

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "e", got[1].ID)
	assert.Equal(t, uint64(3), q.Dropped())
}

func TestNewQueue_NonPositiveCapacity(t *testing.T) {
	q := NewQueue(0)
	q.Publish(Event{ID: "x"})
	q.Publish(Event{ID: "y"})
	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "y", got[0].ID)
}
