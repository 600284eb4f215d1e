package eventsink

import (
	"context"
	"sync"
	"sync/atomic"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"
	"volatility-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// Handler reacts to a dispatched event on the dispatcher goroutine.
type Handler func(events.Event)

// persistItem 是持久化通道中的一项, 事件或状态快照二选一
type persistItem struct {
	event    *events.Event
	snapshot *models.EngineStatus
}

// Dispatcher is the event sink of the trading core. Dispatch never blocks
// the caller: events are processed serially on one goroutine and handed to
// a second goroutine that writes them to the repository.
type Dispatcher struct {
	repo            persistence.EventRepository
	eventChannel    chan events.Event
	persistenceChan chan persistItem
	logger          *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
	closed   bool
	started  bool
	counts   map[events.Type]uint64
	dropped  atomic.Uint64

	done chan struct{}
}

// NewDispatcher creates a Dispatcher. repo may be nil, in which case events
// are only logged and handed to handlers.
func NewDispatcher(repo persistence.EventRepository, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:            repo,
		eventChannel:    make(chan events.Event, buffer),
		persistenceChan: make(chan persistItem, buffer),
		logger:          logger,
		counts:          make(map[events.Type]uint64),
		done:            make(chan struct{}),
	}
}

// OnEvent registers a handler. Handlers must not call Dispatch.
func (d *Dispatcher) OnEvent(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Start begins the event processing and persistence loops.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	persisted := make(chan struct{})
	go d.eventLoop()
	go func() {
		d.persistenceLoop()
		close(persisted)
	}()
	go func() {
		<-persisted
		close(d.done)
	}()
	d.logger.Info("Event dispatcher started")
}

// Dispatch queues an event. When the buffer is full the event is dropped
// and counted rather than stalling the trading loop.
func (d *Dispatcher) Dispatch(e events.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.eventChannel <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Event buffer full, dropping event", zap.String("type", string(e.Type)), zap.String("id", e.ID))
	}
}

// DispatchAll queues events in order.
func (d *Dispatcher) DispatchAll(es []events.Event) {
	for _, e := range es {
		d.Dispatch(e)
	}
}

// SaveSnapshot queues a status snapshot for persistence.
func (d *Dispatcher) SaveSnapshot(status models.EngineStatus) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.repo == nil {
		return
	}
	select {
	case d.persistenceChan <- persistItem{snapshot: &status}:
	default:
		d.logger.Warn("Persistence buffer full, skipping status snapshot")
	}
}

// Counts returns how many events of each type were processed.
func (d *Dispatcher) Counts() map[events.Type]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[events.Type]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Stop stops accepting events, flushes what is buffered and waits for the
// persistence loop, or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.eventChannel)
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		d.logger.Info("Event dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventLoop processes all incoming events serially.
func (d *Dispatcher) eventLoop() {
	defer close(d.persistenceChan)
	for e := range d.eventChannel {
		d.processEvent(e)
	}
}

// persistenceLoop handles the asynchronous saving of events and snapshots.
func (d *Dispatcher) persistenceLoop() {
	for item := range d.persistenceChan {
		if d.repo == nil {
			continue
		}
		switch {
		case item.event != nil:
			if err := d.repo.SaveEvent(*item.event); err != nil {
				d.logger.Error("Failed to save event", zap.String("id", item.event.ID), zap.Error(err))
			}
		case item.snapshot != nil:
			if err := d.repo.SaveSnapshot(item.snapshot); err != nil {
				d.logger.Error("Failed to save status snapshot", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) processEvent(e events.Event) {
	d.mu.Lock()
	d.counts[e.Type]++
	handlers := d.handlers
	d.mu.Unlock()

	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("source", e.Source),
		zap.String("symbol", e.Symbol),
		zap.Any("data", e.Data),
	}
	switch e.Type {
	case events.RiskLimitBreached, events.EmergencyLiquidation, events.PartialBracket:
		d.logger.Warn("Domain event", fields...)
	case events.GridUpdated:
		d.logger.Debug("Domain event", fields...)
	default:
		d.logger.Info("Domain event", fields...)
	}

	for _, h := range handlers {
		h(e)
	}

	if d.repo != nil {
		ev := e
		d.persistenceChan <- persistItem{event: &ev}
	}
}
