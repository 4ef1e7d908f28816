package dispatch

import (
	"context"
	"time"

	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
)

// Reconciler writes send outcomes back to the registry. It never returns an
// error: a failed write is logged and the dispatch result stands.
type Reconciler struct {
	store   store.DeviceStore
	metrics *Metrics
	logger  logrus.FieldLogger
	timeout time.Duration
	now     func() time.Time
}

func NewReconciler(s store.DeviceStore, metrics *Metrics, logger logrus.FieldLogger, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		store:   s,
		metrics: metrics,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, d models.Device, o models.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	log := r.logger.WithFields(logrus.Fields{
		"device_id": d.ID,
		"owner_id":  d.OwnerID,
	})

	switch {
	case o.Success:
		if err := r.store.MarkUsed(ctx, d.ID, r.now()); err != nil {
			log.WithError(err).Warn("failed to record device use")
		}
	case o.ErrorKind == models.FailurePermanent:
		if err := r.store.SetActive(ctx, d.ID, false); err != nil {
			log.WithError(err).Error("failed to deactivate expired subscription")
			return
		}
		r.metrics.deviceDeactivated()
		log.Info("subscription gone, device deactivated")
	default:
		// Transient and malformed failures leave the device as is; the next
		// dispatch tries again.
	}
}
