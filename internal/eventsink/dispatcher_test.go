package eventsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockEventRepository is a mock implementation of the EventRepository interface for testing.
type mockEventRepository struct {
	sync.Mutex
	saved        []events.Event
	snapshot     *models.EngineStatus
	saveDoneChan chan bool // Channel to signal when SaveEvent is done
	block        chan struct{}
}

func newMockEventRepository() *mockEventRepository {
	return &mockEventRepository{saveDoneChan: make(chan bool, 16)}
}

func (m *mockEventRepository) SaveEvent(e events.Event) error {
	if m.block != nil {
		<-m.block
	}
	m.Lock()
	m.saved = append(m.saved, e)
	m.Unlock()
	m.saveDoneChan <- true
	return nil
}

func (m *mockEventRepository) RecentEvents(limit int) ([]events.Event, error) {
	m.Lock()
	defer m.Unlock()
	return append([]events.Event(nil), m.saved...), nil
}

func (m *mockEventRepository) SaveSnapshot(status *models.EngineStatus) error {
	m.Lock()
	defer m.Unlock()
	cp := *status
	m.snapshot = &cp
	return nil
}

func (m *mockEventRepository) LoadSnapshot() (*models.EngineStatus, error) {
	m.Lock()
	defer m.Unlock()
	return m.snapshot, nil
}

func (m *mockEventRepository) Close() error { return nil }

func (m *mockEventRepository) savedEvents() []events.Event {
	m.Lock()
	defer m.Unlock()
	return append([]events.Event(nil), m.saved...)
}

func newEvent(t events.Type) events.Event {
	return events.New(t, "s1", "BTCUSDT", time.Now(), map[string]interface{}{"price": 100.0})
}

func TestDispatcher_PersistsEventsAsync(t *testing.T) {
	repo := newMockEventRepository()
	repo.block = make(chan struct{})
	d := NewDispatcher(repo, 16, zap.NewNop())
	d.Start()

	d.Dispatch(newEvent(events.GridUpdated))

	// SaveEvent is blocked, so nothing can have been saved synchronously
	assert.Empty(t, repo.savedEvents())
	close(repo.block)

	select {
	case <-repo.saveDoneChan:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async SaveEvent call")
	}
	require.Len(t, repo.savedEvents(), 1)
	assert.Equal(t, events.GridUpdated, repo.savedEvents()[0].Type)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_HandlersSeeEventsInOrder(t *testing.T) {
	d := NewDispatcher(nil, 16, zap.NewNop())
	var mu sync.Mutex
	var seen []events.Type
	d.OnEvent(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	d.Start()

	d.DispatchAll([]events.Event{
		newEvent(events.GridUpdated),
		newEvent(events.GridPositionOpened),
		newEvent(events.GridPositionClosed),
	})
	require.NoError(t, d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Type{events.GridUpdated, events.GridPositionOpened, events.GridPositionClosed}, seen)
	assert.Equal(t, uint64(1), d.Counts()[events.GridPositionOpened])
}

func TestDispatcher_StopFlushesBufferedEvents(t *testing.T) {
	repo := newMockEventRepository()
	d := NewDispatcher(repo, 16, zap.NewNop())
	d.Start()
	for i := 0; i < 5; i++ {
		d.Dispatch(newEvent(events.RiskLimitBreached))
	}
	d.SaveSnapshot(models.EngineStatus{Halted: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Len(t, repo.savedEvents(), 5)

	snap, _ := repo.LoadSnapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Halted)

	// 停止后的事件被忽略且不会 panic
	d.Dispatch(newEvent(events.GridUpdated))
	assert.NoError(t, d.Stop(ctx))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(nil, 2, zap.NewNop())
	// 未启动, 缓冲区不会被消费
	for i := 0; i < 5; i++ {
		d.Dispatch(newEvent(events.GridUpdated))
	}
	assert.Equal(t, uint64(3), d.Dropped())
	assert.NoError(t, d.Stop(context.Background()))
}
