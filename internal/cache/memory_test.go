package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderTTL(t *testing.T) {
	mock := clock.NewMock()
	c := NewMemoryProvider(mock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mock.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestMemoryProviderLeaseSemantics(t *testing.T) {
	mock := clock.NewMock()
	c := NewMemoryProvider(mock)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lease", []byte("replica-a"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.SetNX(ctx, "lease", []byte("replica-b"), 30*time.Second)
	assert.False(t, ok, "lease held by another owner")

	require.NoError(t, c.DelIfEqual(ctx, "lease", []byte("replica-b")))
	_, err = c.Get(ctx, "lease")
	require.NoError(t, err, "foreign owner must not release the lease")

	require.NoError(t, c.DelIfEqual(ctx, "lease", []byte("replica-a")))
	ok, _ = c.SetNX(ctx, "lease", []byte("replica-b"), 30*time.Second)
	assert.True(t, ok)

	mock.Add(31 * time.Second)
	ok, _ = c.SetNX(ctx, "lease", []byte("replica-c"), 30*time.Second)
	assert.True(t, ok, "expired lease can be taken over")
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	ctx := context.Background()
	_, err := p.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrCacheMiss)
	ok, err := p.SetNX(ctx, "x", nil, 0)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, p.Close())
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{})
	assert.Error(t, err)
}

func TestNormaliseDurations(t *testing.T) {
	cfg := ValkeyConfig{MaxRetries: -1}
	normaliseDurations(&cfg)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Zero(t, cfg.MaxRetries)
}
