package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/push"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
)

type Options struct {
	// Workers caps concurrent sends per dispatch; zero means GOMAXPROCS.
	Workers     int
	SendTimeout time.Duration
	DefaultIcon string
	DefaultTag  string
}

// Engine fans one notification out to every active device of an owner.
type Engine struct {
	store      store.DeviceStore
	sender     push.Sender
	reconciler *Reconciler
	metrics    *Metrics
	logger     logrus.FieldLogger
	opts       Options
	now        func() time.Time
}

func NewEngine(s store.DeviceStore, sender push.Sender, reconciler *Reconciler, metrics *Metrics, logger logrus.FieldLogger, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Engine{
		store:      s,
		sender:     sender,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Dispatch sends n to every active device of ownerID and waits for all of
// them. Per-device failures are reported in the result, never as an error;
// the error is only set when the payload is invalid or the device list
// cannot be read, in which case nothing was sent.
//
// Cancelling ctx stops nothing once sends have started.
func (e *Engine) Dispatch(ctx context.Context, ownerID string, n models.Notification) (models.DispatchResult, error) {
	started := e.now()
	if strings.TrimSpace(ownerID) == "" {
		return models.DispatchResult{}, fmt.Errorf("%w: owner is required", ErrInvalidPayload)
	}
	payload, err := BuildPayload(n, e.opts.DefaultIcon, e.opts.DefaultTag, started)
	if err != nil {
		return models.DispatchResult{}, err
	}

	devices, err := e.store.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return models.DispatchResult{}, fmt.Errorf("resolve devices for %s: %w", ownerID, err)
	}
	defer func() { e.metrics.observeDispatch(e.now().Sub(started)) }()

	if len(devices) == 0 {
		return models.DispatchResult{Outcomes: []models.Outcome{}}, nil
	}

	detached := context.WithoutCancel(ctx)
	mapper := iter.Mapper[models.Device, models.Outcome]{MaxGoroutines: e.opts.Workers}
	outcomes := mapper.Map(devices, func(d *models.Device) models.Outcome {
		return e.deliver(detached, *d, payload)
	})

	result := models.DispatchResult{Total: len(devices), Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Success {
			result.Sent++
		}
	}

	e.logger.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"sent":     result.Sent,
		"total":    result.Total,
	}).Info("notification dispatched")
	return result, nil
}

// deliver runs the send and the reconciliation of a single device.
func (e *Engine) deliver(ctx context.Context, d models.Device, payload []byte) models.Outcome {
	out := models.Outcome{DeviceID: d.ID, DeviceName: d.DeviceName}
	log := e.logger.WithFields(logrus.Fields{
		"device_id": d.ID,
		"owner_id":  d.OwnerID,
	})

	if err := push.Validate(d.Subscription); err != nil {
		out.ErrorKind = models.FailureMalformed
		log.WithError(err).Warn("skipping device with malformed subscription")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
		err := e.sender.Send(sendCtx, d.Subscription, payload)
		cancel()

		if err != nil {
			out.ErrorKind = push.Classify(err)
			log.WithError(err).WithField("kind", out.ErrorKind).Warn("push send failed")
		} else {
			out.Success = true
		}
	}

	e.metrics.observeSend(out)
	if e.reconciler != nil {
		e.reconciler.Reconcile(ctx, d, out)
	}
	return out
}
