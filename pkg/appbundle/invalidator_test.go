package appbundle

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisInvalidator_IgnoresOwnMessages(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	a := NewRedisInvalidator(client, "")
	b := NewRedisInvalidator(client, "")
	assert.Equal(t, DefaultInvalidationChannel, a.channel)

	payload, err := a.encode("0003")
	require.NoError(t, err)

	_, remote := a.decode(string(payload))
	assert.False(t, remote)

	version, remote := b.decode(string(payload))
	assert.True(t, remote)
	assert.Equal(t, "0003", version)

	_, remote = b.decode("{not json")
	assert.False(t, remote)
}

func TestNewRedisInvalidatorFromURL(t *testing.T) {
	inv, err := NewRedisInvalidatorFromURL("redis://localhost:6379/2")
	require.NoError(t, err)
	defer func() { _ = inv.Close() }()

	_, err = NewRedisInvalidatorFromURL("http://nope")
	assert.Error(t, err)
}

func TestLocalInvalidator(t *testing.T) {
	var inv Invalidator = LocalInvalidator{}
	assert.NoError(t, inv.Publish(context.Background(), "0001"))
	assert.NoError(t, inv.Subscribe(context.Background(), func(string) {}))
	assert.NoError(t, inv.Close())
}
