package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/push"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
)


const maxDeviceNameLen = 100

type RegisterInput struct {
	Subscription []byte // raw PushSubscription JSON
	DeviceName   string
	DeviceType   string
	UserAgent    string
}

type Service struct {
	store  store.DeviceStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewService(s store.DeviceStore, logger logrus.FieldLogger) *Service {
	return &Service{store: s, logger: logger, now: time.Now}
}

// Register stores the subscription for ownerID, reactivating and relabelling
// an existing registration of the same endpoint. An endpoint registered to
// someone else fails with store.ErrEndpointOwnedByOther.
func (s *Service) Register(ctx context.Context, ownerID string, in RegisterInput) (models.Device, error) {
	sub, err := push.Decode(in.Subscription)
	if err != nil {
		return models.Device{}, err
	}

	deviceType, ok := models.ParseDeviceType(in.DeviceType)
	if !ok {
		deviceType = DetectType(in.UserAgent)
	}
	name := strings.TrimSpace(in.DeviceName)
	if name == "" {
		name = DefaultName(in.UserAgent)
	}
	if r := []rune(name); len(r) > maxDeviceNameLen {
		name = string(r[:maxDeviceNameLen])
	}

	d, err := s.store.Upsert(ctx, models.Device{
		OwnerID:      ownerID,
		DeviceName:   name,
		DeviceType:   deviceType,
		Subscription: sub,
		IsActive:     true,
		LastUsed:     s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrEndpointOwnedByOther) {
			return models.Device{}, err
		}
		return models.Device{}, fmt.Errorf("register device: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"owner_id":    ownerID,
		"device_id":   d.ID,
		"device_type": d.DeviceType,
	}).Info("device registered")
	return d, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]models.Device, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Unregister deletes a device; the store enforces that ownerID owns it.
func (s *Service) Unregister(ctx context.Context, ownerID, deviceID string) error {
	if err := s.store.DeleteByID(ctx, deviceID, ownerID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"device_id": deviceID,
	}).Info("device unregistered")
	return nil
}
