package persistence

import (
	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"
)

// EventRepository defines the interface for domain event durability.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. The trading core never reads from it
// to make decisions.
type EventRepository interface {
	// SaveEvent appends one domain event. Saving the same event id twice
	// overwrites the first copy.
	SaveEvent(e events.Event) error

	// RecentEvents returns up to limit events, newest first.
	RecentEvents(limit int) ([]events.Event, error)

	// SaveSnapshot replaces the last engine status snapshot.
	SaveSnapshot(status *models.EngineStatus) error

	// LoadSnapshot loads the last status snapshot.
	// If no snapshot is found, it should return (nil, nil).
	LoadSnapshot() (*models.EngineStatus, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
