package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"notification-dispatch-go/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("device not found")
	// ErrEndpointOwnedByOther is returned by Upsert when the endpoint is
	// already registered to a different owner. Owners are never reassigned.
	ErrEndpointOwnedByOther = errors.New("push endpoint is registered to another user")
	// ErrStorageUnavailable wraps every failure of the backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DeviceStore persists device registrations. Implementations must allow
// concurrent reads alongside concurrent single-record writes.
type DeviceStore interface {
	ListByOwner(ctx context.Context, ownerID string) ([]models.Device, error)
	ListActiveByOwner(ctx context.Context, ownerID string) ([]models.Device, error)
	FindByEndpoint(ctx context.Context, endpoint string) (models.Device, error)
	// Upsert inserts d, or updates the record already holding d's endpoint
	// while keeping its ID, OwnerID and RegisteredAt. The owner check and
	// the write are one atomic step: a record of another owner is left
	// untouched and ErrEndpointOwnedByOther is returned.
	Upsert(ctx context.Context, d models.Device) (models.Device, error)
	SetActive(ctx context.Context, id string, active bool) error
	MarkUsed(ctx context.Context, id string, at time.Time) error
	// DeleteByID returns ErrNotFound unless id exists and belongs to ownerID.
	DeleteByID(ctx context.Context, id, ownerID string) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// decodeDevice unmarshals a stored record. A record that does not decode is
// reported as a storage failure.
func decodeDevice(id string, val []byte) (models.Device, error) {
	var d models.Device
	if err := json.Unmarshal(val, &d); err != nil {
		return models.Device{}, unavailable("decode device "+id, err)
	}
	return d, nil
}

// applyUpsert copies the mutable fields of in onto cur.
func applyUpsert(cur *models.Device, in models.Device, now time.Time) {
	cur.DeviceName = in.DeviceName
	cur.DeviceType = in.DeviceType
	cur.Subscription.Keys = in.Subscription.Keys
	cur.IsActive = in.IsActive
	cur.LastUsed = in.LastUsed
	if cur.LastUsed.IsZero() {
		cur.LastUsed = now
	}
}

func newRecord(in models.Device, now time.Time) models.Device {
	d := in
	d.ID = uuid.NewString()
	d.RegisteredAt = now
	if d.LastUsed.IsZero() {
		d.LastUsed = now
	}
	return d
}

func sortNewestFirst(devices []models.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RegisteredAt.After(devices[j].RegisteredAt)
	})
}

func onlyActive(devices []models.Device) []models.Device {
	active := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if d.IsActive {
			active = append(active, d)
		}
	}
	return active
}

const maxTxRetries = 8

// createDeviceScript claims the endpoint index and writes the record in one step.
var createDeviceScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

type RedisStore struct {
	client *redis.Client
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	rdb := redis.NewClient(opts)
	return &RedisStore{client: rdb, logger: logrus.StandardLogger(), now: time.Now}
}

func (s *RedisStore) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func deviceKey(id string) string { return fmt.Sprintf("device:%s", id) }

func ownerKey(ownerID string) string { return fmt.Sprintf("devices:owner:%s", ownerID) }

// Endpoints are long URLs; index them by digest.
func endpointKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return fmt.Sprintf("device:endpoint:%s", hex.EncodeToString(sum[:]))
}

func (s *RedisStore) get(ctx context.Context, id string) (models.Device, error) {
	val, err := s.client.Get(ctx, deviceKey(id)).Bytes()
	if err == redis.Nil {
		return models.Device{}, ErrNotFound
	}
	if err != nil {
		return models.Device{}, unavailable("get device", err)
	}
	return decodeDevice(id, val)
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, unavailable("list devices", err)
	}
	if len(ids) == 0 {
		return []models.Device{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, deviceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, unavailable("list devices", err)
	}

	devices := make([]models.Device, 0, len(ids))
	for i, cmd := range cmds {
		val, err := cmd.Bytes()
		if err == redis.Nil {
			// Record removed underneath the index, drop the member
			s.client.SRem(ctx, ownerKey(ownerID), ids[i])
			continue
		} else if err != nil {
			return nil, unavailable("list devices", err)
		}

		d, err := decodeDevice(ids[i], val)
		if err != nil {
			// Skip it so the owner's other devices stay reachable
			s.logger.WithError(err).WithFields(logrus.Fields{
				"device_id": ids[i],
				"owner_id":  ownerID,
			}).Error("dropping undecodable device record from listing")
			continue
		}
		devices = append(devices, d)
	}

	sortNewestFirst(devices)
	return devices, nil
}

func (s *RedisStore) ListActiveByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	devices, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return onlyActive(devices), nil
}

func (s *RedisStore) FindByEndpoint(ctx context.Context, endpoint string) (models.Device, error) {
	id, err := s.client.Get(ctx, endpointKey(endpoint)).Result()
	if err == redis.Nil {
		return models.Device{}, ErrNotFound
	}
	if err != nil {
		return models.Device{}, unavailable("find device", err)
	}
	return s.get(ctx, id)
}

func (s *RedisStore) Upsert(ctx context.Context, in models.Device) (models.Device, error) {
	now := s.now().UTC()
	idxKey := endpointKey(in.Subscription.Endpoint)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		id, err := s.client.Get(ctx, idxKey).Result()
		if err == redis.Nil {
			d := newRecord(in, now)
			data, err := json.Marshal(d)
			if err != nil {
				return models.Device{}, err
			}
			created, err := createDeviceScript.Run(ctx, s.client,
				[]string{idxKey, deviceKey(d.ID), ownerKey(d.OwnerID)}, d.ID, data).Int()
			if err != nil {
				return models.Device{}, unavailable("create device", err)
			}
			if created == 1 {
				return d, nil
			}
			// Another writer claimed the endpoint first; update theirs
			continue
		}
		if err != nil {
			return models.Device{}, unavailable("upsert device", err)
		}

		var out models.Device
		err = s.update(ctx, id, func(cur *models.Device) error {
			if cur.OwnerID != in.OwnerID {
				return ErrEndpointOwnedByOther
			}
			applyUpsert(cur, in, now)
			out = *cur
			return nil
		})
		if errors.Is(err, ErrNotFound) {
			s.client.Del(ctx, idxKey)
			continue
		}
		if err != nil {
			return models.Device{}, err
		}
		return out, nil
	}

	return models.Device{}, unavailable("upsert device", redis.TxFailedErr)
}

// update applies fn to one record under WATCH so concurrent writers to the
// same device never lose each other's changes.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*models.Device) error) error {
	key := deviceKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			d, err := decodeDevice(id, val)
			if err != nil {
				return err
			}
			if err := fn(&d); err != nil {
				return err
			}
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrEndpointOwnedByOther),
			errors.Is(err, ErrStorageUnavailable):
			return err
		default:
			return unavailable("update device", err)
		}
	}
	return unavailable("update device", redis.TxFailedErr)
}

func (s *RedisStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, id, func(d *models.Device) error {
		d.IsActive = active
		return nil
	})
}

func (s *RedisStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(d *models.Device) error {
		if at.After(d.LastUsed) {
			d.LastUsed = at.UTC()
		}
		return nil
	})
}

func (s *RedisStore) DeleteByID(ctx context.Context, id, ownerID string) error {
	key := deviceKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		d, err := decodeDevice(id, val)
		if err != nil {
			return err
		}
		if d.OwnerID != ownerID {
			return ErrNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Del(ctx, endpointKey(d.Subscription.Endpoint))
			pipe.SRem(ctx, ownerKey(d.OwnerID), d.ID)
			return nil
		})
		return err
	}, key)

	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return unavailable("delete device", err)
}
