package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
	"github.com/sakif/opentrack/internal/repository/repotest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	store := New(client, "")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.TrackingRepository {
		store, _ := newTestStore(t)
		return store
	})
}

func TestCreate_UsesPrefixedKey(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, store.Create(context.Background(), model.NewRegisteredRecord("abc123", time.Now())))

	assert.True(t, mr.Exists("opentrack:record:abc123"))
	raw, err := mr.Get("opentrack:record:abc123")
	require.NoError(t, err)
	assert.Contains(t, raw, `"emailId":"abc123"`)
	assert.Contains(t, raw, `"opens":[]`)
}

func TestCustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	store := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "tenant-a:")
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Create(context.Background(), model.NewRegisteredRecord("abc123", time.Now())))
	assert.True(t, mr.Exists("tenant-a:record:abc123"))
	assert.False(t, mr.Exists("opentrack:record:abc123"))
}

func TestFind_CorruptDocumentIsUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("opentrack:record:abc123", "{not json"))

	_, err := store.FindByEmailID(context.Background(), "abc123")
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v, want ErrUnavailable", err)
}

func TestAppendOpen_ServerDownIsUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := store.AppendOpen(ctx, "abc123", model.OpenEvent{Timestamp: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v, want ErrUnavailable", err)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	assert.NoError(t, store.Ping(context.Background()))
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, Options{Addr: addr})
	assert.Error(t, err)
}
