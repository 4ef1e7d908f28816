package dispatch

import (
	"context"
	"testing"
	"time"

	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*Reconciler, *store.MemoryStore, models.Device, *logtest.Hook) {
		logger, hook := logtest.NewNullLogger()
		s := store.NewMemoryStore()
		d, err := s.Upsert(ctx, models.Device{
			OwnerID:      "alice",
			Subscription: models.Subscription{Endpoint: "https://push.example/1"},
			IsActive:     true,
			LastUsed:     now.Add(-time.Hour),
		})
		require.NoError(t, err)
		r := NewReconciler(s, nil, logger, 0)
		r.now = func() time.Time { return now }
		return r, s, d, hook
	}

	t.Run("success records use", func(t *testing.T) {
		r, s, d, _ := setup(t)
		r.Reconcile(ctx, d, models.Outcome{DeviceID: d.ID, Success: true})

		got, err := s.FindByEndpoint(ctx, d.Subscription.Endpoint)
		require.NoError(t, err)
		assert.Equal(t, now, got.LastUsed)
		assert.True(t, got.IsActive)
	})

	t.Run("permanent failure deactivates", func(t *testing.T) {
		r, s, d, hook := setup(t)
		r.Reconcile(ctx, d, models.Outcome{DeviceID: d.ID, ErrorKind: models.FailurePermanent})

		got, err := s.FindByEndpoint(ctx, d.Subscription.Endpoint)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, d.LastUsed, got.LastUsed)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	})

	t.Run("transient and malformed leave device alone", func(t *testing.T) {
		r, s, d, _ := setup(t)
		r.Reconcile(ctx, d, models.Outcome{DeviceID: d.ID, ErrorKind: models.FailureTransient})
		r.Reconcile(ctx, d, models.Outcome{DeviceID: d.ID, ErrorKind: models.FailureMalformed})

		got, err := s.FindByEndpoint(ctx, d.Subscription.Endpoint)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	})

	t.Run("missing device is logged", func(t *testing.T) {
		r, _, d, hook := setup(t)
		d.ID = "gone"
		r.Reconcile(ctx, d, models.Outcome{DeviceID: d.ID, ErrorKind: models.FailurePermanent})
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	})

	t.Run("runs on a cancelled context", func(t *testing.T) {
		r, s, d, _ := setup(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		r.Reconcile(cancelled, d, models.Outcome{DeviceID: d.ID, ErrorKind: models.FailurePermanent})

		got, err := s.FindByEndpoint(ctx, d.Subscription.Endpoint)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})
}
