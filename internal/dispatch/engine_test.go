package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/push"
	"notification-dispatch-go/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records how often the registry is read and lets tests make
// it fail.
type countingStore struct {
	store.DeviceStore
	listCalls atomic.Int32
	listErr   error
	writeErr  error
}

func (s *countingStore) ListActiveByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	s.listCalls.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.DeviceStore.ListActiveByOwner(ctx, ownerID)
}

func (s *countingStore) SetActive(ctx context.Context, id string, active bool) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.DeviceStore.SetActive(ctx, id, active)
}

func (s *countingStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.DeviceStore.MarkUsed(ctx, id, at)
}

// fakeSender answers per endpoint.
type fakeSender struct {
	mu       sync.Mutex
	results  map[string]error
	calls    map[string]int
	payloads [][]byte
	delay    time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{results: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSender) Send(ctx context.Context, sub models.Subscription, payload []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sub.Endpoint]++
	f.payloads = append(f.payloads, payload)
	return f.results[sub.Endpoint]
}

func (f *fakeSender) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

var (
	gone    = &push.SendError{Kind: models.FailurePermanent, StatusCode: 410, Err: errors.New("gone")}
	limited = &push.SendError{Kind: models.FailureTransient, StatusCode: 429, Err: errors.New("slow down")}
)

type fixture struct {
	store   *countingStore
	sender  *fakeSender
	reg     *prometheus.Registry
	metrics *Metrics
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	f := &fixture{
		store:  &countingStore{DeviceStore: store.NewMemoryStore()},
		sender: newFakeSender(),
		reg:    prometheus.NewRegistry(),
	}
	f.metrics = NewMetrics(f.reg)
	rec := NewReconciler(f.store, f.metrics, logger, time.Second)
	f.engine = NewEngine(f.store, f.sender, rec, f.metrics, logger, Options{Workers: 4, SendTimeout: time.Second})
	return f
}

func (f *fixture) register(t *testing.T, owner, endpoint string) models.Device {
	t.Helper()
	d, err := f.store.Upsert(context.Background(), models.Device{
		OwnerID:    owner,
		DeviceName: endpoint,
		DeviceType: models.DeviceDesktop,
		Subscription: models.Subscription{
			Endpoint: endpoint,
			Keys:     models.Keys{P256dh: "p256dh", Auth: "auth"},
		},
		IsActive: true,
		LastUsed: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) device(t *testing.T, endpoint string) models.Device {
	t.Helper()
	d, err := f.store.FindByEndpoint(context.Background(), endpoint)
	require.NoError(t, err)
	return d
}

var hello = models.Notification{Title: "New lead", Body: "Acme Corp wants a demo"}

func TestDispatchWithoutDevices(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Total)
	assert.NotNil(t, res.Outcomes)
	assert.Zero(t, f.sender.totalCalls())
}

func TestDispatchRejectsInvalidPayloadBeforeReadingRegistry(t *testing.T) {
	cases := map[string]models.Notification{
		"missing title": {Body: "b"},
		"missing body":  {Title: "t"},
		"blank title":   {Title: "   ", Body: "b"},
	}
	for name, n := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, "alice", "https://push.example/1")

			_, err := f.engine.Dispatch(context.Background(), "alice", n)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Zero(t, f.store.listCalls.Load())
			assert.Zero(t, f.sender.totalCalls())
		})
	}
}

func TestDispatchRequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Dispatch(context.Background(), " ", hello)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Zero(t, f.store.listCalls.Load())
}

func TestDispatchAbortsWhenRegistryUnavailable(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/1")
	f.store.listErr = fmt.Errorf("list: %w", store.ErrStorageUnavailable)

	_, err := f.engine.Dispatch(context.Background(), "alice", hello)
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
	assert.Zero(t, f.sender.totalCalls())
}

func TestDispatchCountsPartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/1")
	f.register(t, "alice", "https://push.example/2")
	f.register(t, "alice", "https://push.example/3")
	f.sender.results["https://push.example/3"] = limited

	res, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Outcomes, 3)

	failed := f.device(t, "https://push.example/3")
	assert.True(t, failed.IsActive)
	for _, o := range res.Outcomes {
		if o.DeviceID == failed.ID {
			assert.False(t, o.Success)
			assert.Equal(t, models.FailureTransient, o.ErrorKind)
		} else {
			assert.True(t, o.Success)
		}
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.sends.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.sends.WithLabelValues("transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.dispatches))
}

func TestDispatchDeactivatesGoneSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/gone")
	f.register(t, "alice", "https://push.example/busy")
	f.sender.results["https://push.example/gone"] = gone
	f.sender.results["https://push.example/busy"] = limited

	res, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 2, res.Total)

	assert.False(t, f.device(t, "https://push.example/gone").IsActive)
	assert.True(t, f.device(t, "https://push.example/busy").IsActive)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.deactivated))

	// The deactivated device is no longer targeted.
	_, err = f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.calls["https://push.example/gone"])
	assert.Equal(t, 2, f.sender.calls["https://push.example/busy"])
}

func TestDispatchMarksSuccessfulDevicesUsed(t *testing.T) {
	f := newFixture(t)
	before := f.register(t, "alice", "https://push.example/1")

	_, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)

	after := f.device(t, "https://push.example/1")
	assert.True(t, after.LastUsed.After(before.LastUsed))
}

func TestDispatchSkipsMalformedStoredSubscription(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/ok")
	f.register(t, "alice", "not a url")

	res, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, f.sender.calls["not a url"])
	assert.True(t, f.device(t, "not a url").IsActive)

	var kinds []models.FailureKind
	for _, o := range res.Outcomes {
		if !o.Success {
			kinds = append(kinds, o.ErrorKind)
		}
	}
	assert.Equal(t, []models.FailureKind{models.FailureMalformed}, kinds)
}

func TestDispatchSwallowsReconcileErrors(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/1")
	f.register(t, "alice", "https://push.example/2")
	f.sender.results["https://push.example/2"] = gone
	f.store.writeErr = store.ErrStorageUnavailable

	res, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, testutil.ToFloat64(f.metrics.deactivated))
}

func TestDispatchSendsOneCanonicalPayload(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "https://push.example/1")
	f.register(t, "alice", "https://push.example/2")

	_, err := f.engine.Dispatch(context.Background(), "alice", hello)
	require.NoError(t, err)
	require.Len(t, f.sender.payloads, 2)
	assert.Equal(t, f.sender.payloads[0], f.sender.payloads[1])
}

func TestDispatchRunsToCompletionAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.sender.delay = 20 * time.Millisecond
	for i := 0; i < 3; i++ {
		f.register(t, "alice", fmt.Sprintf("https://push.example/%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res, err := f.engine.Dispatch(ctx, "alice", hello)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
}

func TestConcurrentDispatchKeepsRegistryConsistent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.register(t, "alice", fmt.Sprintf("https://push.example/%d", i))
	}
	f.sender.results["https://push.example/0"] = gone
	f.sender.results["https://push.example/1"] = limited

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Dispatch(context.Background(), "alice", hello)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := f.store.ListByOwner(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, all, 6)
	for _, d := range all {
		switch d.Subscription.Endpoint {
		case "https://push.example/0":
			assert.False(t, d.IsActive)
		default:
			assert.True(t, d.IsActive, d.Subscription.Endpoint)
		}
	}
}
