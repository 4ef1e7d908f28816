package intake

import (
	"context"
	"fmt"
	"testing"

	"notification-dispatch-go/internal/dispatch"
	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecorder struct {
	acked    bool
	nacked   bool
	rejected bool
	requeue  bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	a.rejected, a.requeue = true, requeue
	return nil
}

type stubDispatcher struct {
	owner string
	n     models.Notification
	err   error
}

func (s *stubDispatcher) Dispatch(ctx context.Context, ownerID string, n models.Notification) (models.DispatchResult, error) {
	s.owner, s.n = ownerID, n
	return models.DispatchResult{Sent: 1, Total: 1}, s.err
}

func deliver(t *testing.T, d Dispatcher, body string, redelivered bool) *ackRecorder {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	c := NewConsumer(nil, d, logger, Options{Queue: "push.dispatch"})

	ack := &ackRecorder{}
	c.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Redelivered:  redelivered,
		Body:         []byte(body),
	})
	return ack
}

const intent = `{"owner_id":"alice","notification":{"title":"New lead","body":"Acme"}}`

func TestHandleDeliveryAcksSuccess(t *testing.T) {
	d := &stubDispatcher{}
	ack := deliver(t, d, intent, false)

	assert.True(t, ack.acked)
	assert.Equal(t, "alice", d.owner)
	assert.Equal(t, "New lead", d.n.Title)
}

func TestHandleDeliveryRejectsUndecodable(t *testing.T) {
	d := &stubDispatcher{}
	ack := deliver(t, d, `{"owner_id":`, false)

	assert.True(t, ack.rejected)
	assert.False(t, ack.requeue)
	assert.Empty(t, d.owner)
}

func TestHandleDeliveryRejectsInvalidPayload(t *testing.T) {
	d := &stubDispatcher{err: fmt.Errorf("%w: title is required", dispatch.ErrInvalidPayload)}
	ack := deliver(t, d, intent, false)

	assert.True(t, ack.rejected)
	assert.False(t, ack.requeue)
}

func TestHandleDeliveryRequeuesOnceWhenStorageUnavailable(t *testing.T) {
	unavailable := fmt.Errorf("resolve devices: %w", store.ErrStorageUnavailable)

	ack := deliver(t, &stubDispatcher{err: unavailable}, intent, false)
	require.True(t, ack.nacked)
	assert.True(t, ack.requeue)

	ack = deliver(t, &stubDispatcher{err: unavailable}, intent, true)
	assert.True(t, ack.rejected)
	assert.False(t, ack.requeue)
}

func TestConsumeFailsWhenDeliveriesClose(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	d := &stubDispatcher{}
	c := NewConsumer(nil, d, logger, Options{Queue: "push.dispatch", Workers: 2})

	ack := &ackRecorder{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(intent)}
	close(deliveries)

	err := c.consume(context.Background(), deliveries)
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.True(t, ack.acked)
	assert.Equal(t, "alice", d.owner)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
}

func TestConsumeReturnsNilWhenCancelled(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	c := NewConsumer(nil, &stubDispatcher{}, logger, Options{Queue: "push.dispatch"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.consume(ctx, make(chan amqp.Delivery)))
}
