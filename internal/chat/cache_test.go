package chat_test

import (
	"context"
	"testing"

	"appchat-backend/internal/chat"
	"appchat-backend/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerCacheReuse(t *testing.T) {
	cache := chat.NewControllerCache(4)
	builds := 0
	build := func() (*chat.Controller, error) {
		builds++
		return newTestController(&fakeGenerator{script: streamScript(nil, upstream.Metadata{})}, newMemoryStore()), nil
	}

	first, err := cache.Get("u1", "user-manual", build)
	require.NoError(t, err)
	again, err := cache.Get("u1", "user-manual", build)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, builds)

	_, err = cache.Get("u1", "ux-design", build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "different app gets its own controller")
}

func TestControllerCacheEvictionSkipsGenerating(t *testing.T) {
	cache := chat.NewControllerCache(1)

	started := make(chan struct{})
	release := make(chan struct{})
	busyGen := &fakeGenerator{script: func(req upstream.GenerateRequest, cb upstream.Callbacks) error {
		close(started)
		<-release
		cb.OnComplete(upstream.Metadata{})
		return nil
	}}
	busy := newTestController(busyGen, newMemoryStore())

	cached, err := cache.Get("u1", "user-manual", func() (*chat.Controller, error) { return busy, nil })
	require.NoError(t, err)

	go cached.Submit(context.Background(), "long question", nil) //nolint:errcheck
	<-started

	// The cache is full but its only entry is mid-generation, so inserting a
	// new controller must not displace it.
	_, err = cache.Get("u2", "user-manual", func() (*chat.Controller, error) {
		return newTestController(&fakeGenerator{script: streamScript(nil, upstream.Metadata{})}, newMemoryStore()), nil
	})
	require.NoError(t, err)

	stillThere, err := cache.Get("u1", "user-manual", func() (*chat.Controller, error) {
		t.Fatal("busy controller should not have been evicted")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, busy, stillThere)

	close(release)
}
