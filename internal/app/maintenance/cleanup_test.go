package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat/internal/cache"
	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/database/testutil"
	"github.com/wavechat/wavechat/internal/services"
)

func TestRunOnceWithoutDependencies(t *testing.T) {
	sweeper := NewSweeper(nil, nil, nil)
	require.NoError(t, sweeper.RunOnce(context.Background()))
}

func TestRunOncePurgesExpiredCacheEntries(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stale", []byte("x"), time.Millisecond))
	require.NoError(t, store.Set(ctx, "fresh", []byte("y"), time.Hour))
	time.Sleep(10 * time.Millisecond)

	sweeper := NewSweeper(nil, nil, store)
	require.NoError(t, sweeper.RunOnce(ctx))

	_, found, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, found)
}

func TestRunOnceSweepsServices(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	hub := chat.NewHub()
	cacheSvc := services.NewCacheService(cache.NewDatabaseStore(db), db)

	past := time.Now().Add(-time.Hour)
	streams := services.NewStreamService(db, hub, cacheSvc, nil,
		services.WithStreamClock(func() time.Time { return past }))
	messages := services.NewMessageService(db, hub, cacheSvc, nil, services.MessageConfig{
		BatchSize:   15,
		LoadTimeout: time.Second,
	})

	sweeper := NewSweeper(streams, messages, nil,
		WithStreamIdle(5*time.Minute),
		WithMarkerAge(10*time.Minute),
	)
	require.NoError(t, sweeper.RunOnce(context.Background()))
}

func TestStartAndStop(t *testing.T) {
	sweeper := NewSweeper(nil, nil, nil, WithSchedule("@every 1h"))
	require.NoError(t, sweeper.Start())

	stopCtx := sweeper.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
