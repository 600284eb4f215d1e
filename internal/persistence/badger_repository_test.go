package persistence

import (
	"testing"
	"time"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerRepository_EventsNewestFirst(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := events.New(events.GridUpdated, "s1", "BTCUSDT", base.Add(time.Duration(i)*time.Second),
			map[string]interface{}{"seq": i})
		require.NoError(t, repo.SaveEvent(e))
	}

	got, err := repo.RecentEvents(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, float64(4), got[0].Data["seq"])
	assert.Equal(t, float64(2), got[2].Data["seq"])
	assert.Equal(t, events.GridUpdated, got[0].Type)

	all, err := repo.RecentEvents(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestBadgerRepository_Snapshot(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, got, "no snapshot yet")

	status := &models.EngineStatus{
		Time:           time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		EntriesEnabled: true,
		Account:        models.AccountStatus{CurrentCapital: 9750, TradingEnabled: false, Warnings: []string{"Daily loss limit breached: 2.50%"}},
		Strategies:     []models.StrategyStatus{{ID: "s1", Symbol: "BTCUSDT", State: "ACTIVE"}},
	}
	require.NoError(t, repo.SaveSnapshot(status))

	got, err = repo.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9750.0, got.Account.CurrentCapital)
	assert.Equal(t, "Daily loss limit breached: 2.50%", got.Account.Warnings[0])
	assert.Equal(t, "s1", got.Strategies[0].ID)
	assert.True(t, got.Time.Equal(status.Time))
}
