package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(newViper())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReconcileTimeout)
	assert.Equal(t, 16, cfg.DispatchWorkers)
	assert.Equal(t, 86400, cfg.PushTTL)
	assert.Equal(t, "push.dispatch", cfg.AMQPQueue)
	assert.False(t, cfg.HasVAPIDKeys())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("SEND_TIMEOUT", "3s")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")

	cfg, err := FromViper(newViper())
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.StoreDriver)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 3*time.Second, cfg.SendTimeout)
	assert.True(t, cfg.HasVAPIDKeys())
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		want string
	}{
		"unknown driver": {
			env:  map[string]string{"STORE_DRIVER": "mongo"},
			want: `unknown STORE_DRIVER "mongo"`,
		},
		"postgres without url": {
			env:  map[string]string{"STORE_DRIVER": "postgres", "SESSION_SECRET": "x"},
			want: "DATABASE_URL is required",
		},
		"half a key pair": {
			env:  map[string]string{"VAPID_PUBLIC_KEY": "pub"},
			want: "must be set together",
		},
		"session secret outside memory": {
			env:  map[string]string{"STORE_DRIVER": "postgres", "DATABASE_URL": "postgres://x"},
			want: "SESSION_SECRET is required",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := FromViper(newViper())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
