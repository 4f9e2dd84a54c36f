package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/fleettrack/pkg/events"
	"github.com/travigo/fleettrack/pkg/model"
)

type fakeActiveRemover struct {
	mutex   sync.Mutex
	removed []string
}

func (f *fakeActiveRemover) RemoveActive(ctx context.Context, driverID string, companyID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.removed = append(f.removed, driverID)
	return nil
}

func (f *fakeActiveRemover) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.removed)
}

func newTestManager(t *testing.T, grace time.Duration) (*Manager, *fakeActiveRemover, <-chan events.PresenceChanged) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	remover := &fakeActiveRemover{}
	manager := NewManager(client, remover, bus, grace, time.Second)
	t.Cleanup(manager.Close)

	return manager, remover, bus.PresenceChanged.Subscribe()
}

func boolPtr(v bool) *bool { return &v }

func TestUpdateStatusMergesFields(t *testing.T) {
	manager, remover, changes := newTestManager(t, time.Minute)
	ctx := context.Background()

	battery := 80
	jobID := "job-1"
	presence, err := manager.UpdateStatus(ctx, StatusUpdate{
		DriverID:     "d1",
		CompanyID:    "c1",
		Available:    boolPtr(false),
		CurrentJobID: &jobID,
		BatteryLevel: &battery,
	})
	require.NoError(t, err)
	assert.True(t, presence.Online)
	assert.False(t, presence.Available)
	assert.Equal(t, "online_busy", presence.State())

	poor := model.ConnectionQualityPoor
	presence, err = manager.UpdateStatus(ctx, StatusUpdate{DriverID: "d1", CompanyID: "c1", ConnectionQuality: &poor})
	require.NoError(t, err)
	assert.False(t, presence.Available)
	assert.Equal(t, "job-1", *presence.CurrentJobID)
	assert.Equal(t, 80, *presence.BatteryLevel)
	assert.Equal(t, model.ConnectionQualityPoor, presence.ConnectionQuality)

	stored, err := manager.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.CompanyID)
	assert.Equal(t, model.ConnectionQualityPoor, stored.ConnectionQuality)
	assert.Equal(t, 80, *stored.BatteryLevel)

	assert.Equal(t, 0, remover.count())
	assert.Len(t, changes, 2)
}

func TestExplicitOfflineRemovesActive(t *testing.T) {
	manager, remover, changes := newTestManager(t, time.Minute)

	presence, err := manager.UpdateStatus(context.Background(), StatusUpdate{DriverID: "d1", CompanyID: "c1", Online: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, "offline", presence.State())
	assert.Equal(t, 1, remover.count())

	change := <-changes
	assert.False(t, change.Presence.Online)
	assert.Equal(t, ReasonStatusUpdate, change.Reason)
}

func TestUpdateStatusValidation(t *testing.T) {
	manager, _, _ := newTestManager(t, time.Minute)

	battery := 120
	_, err := manager.UpdateStatus(context.Background(), StatusUpdate{DriverID: "d1", CompanyID: "c1", BatteryLevel: &battery})
	assert.True(t, model.IsValidationError(err))

	quality := model.ConnectionQuality("fantastic")
	_, err = manager.UpdateStatus(context.Background(), StatusUpdate{DriverID: "d1", CompanyID: "c1", ConnectionQuality: &quality})
	assert.True(t, model.IsValidationError(err))
}

func TestReconnectWithinGraceKeepsDriverOnline(t *testing.T) {
	manager, remover, changes := newTestManager(t, 50*time.Millisecond)

	manager.Disconnected("d1", "c1")
	assert.Equal(t, 1, manager.PendingDisconnects())

	time.Sleep(10 * time.Millisecond)
	manager.Connected(context.Background(), "d1", "c1")
	assert.Equal(t, 0, manager.PendingDisconnects())

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, remover.count())
	assert.Len(t, changes, 0)
}

func TestDisconnectPastGraceMarksOfflineOnce(t *testing.T) {
	manager, remover, changes := newTestManager(t, 20*time.Millisecond)

	manager.Disconnected("d1", "c1")
	manager.Disconnected("d1", "c1")

	select {
	case change := <-changes:
		assert.Equal(t, "d1", change.Presence.DriverID)
		assert.Equal(t, "c1", change.Presence.CompanyID)
		assert.False(t, change.Presence.Online)
		assert.Equal(t, ReasonDisconnectTimeout, change.Reason)
	case <-time.After(time.Second):
		t.Fatal("no offline transition")
	}

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, changes, 0)
	assert.Equal(t, 1, remover.count())

	stored, err := manager.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionQualityOffline, stored.ConnectionQuality)
}

func TestSecondConnectionKeepsDriverOnline(t *testing.T) {
	manager, remover, changes := newTestManager(t, 20*time.Millisecond)
	ctx := context.Background()

	manager.Connected(ctx, "d1", "c1")
	manager.Connected(ctx, "d1", "c1")

	manager.Disconnected("d1", "c1")
	assert.Equal(t, 0, manager.PendingDisconnects())

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, changes, 0)
	assert.Equal(t, 0, remover.count())

	manager.Disconnected("d1", "c1")
	assert.Equal(t, 1, manager.PendingDisconnects())

	select {
	case change := <-changes:
		assert.Equal(t, "d1", change.Presence.DriverID)
		assert.False(t, change.Presence.Online)
	case <-time.After(time.Second):
		t.Fatal("no offline transition")
	}
}
