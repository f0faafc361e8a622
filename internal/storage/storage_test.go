package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/turnstream/pkg/types"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			return NewFileStore(t.TempDir())
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "db", "turns.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStoreWithClient(client, "test", 0)
		},
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
			rec := types.TurnRecord{
				ID:                "turn-1",
				ConversationScope: "conv-a",
				Status:            types.TurnInProgress,
				CreatedAt:         created,
				UpdatedAt:         created,
			}
			require.NoError(t, s.UpsertTurn(ctx, rec))

			rec.Content = "Hello world"
			rec.Status = types.TurnSuccess
			rec.CreatedAt = created.Add(time.Hour)
			rec.UpdatedAt = created.Add(time.Minute)
			require.NoError(t, s.UpsertTurn(ctx, rec))

			got, err := s.GetTurn(ctx, "turn-1")
			require.NoError(t, err)
			assert.Equal(t, "Hello world", got.Content)
			assert.Equal(t, types.TurnSuccess, got.Status)
			assert.True(t, got.CreatedAt.Equal(created), "created time is kept from the first write, got %s", got.CreatedAt)
			assert.True(t, got.UpdatedAt.Equal(created.Add(time.Minute)))
		})
	}
}

func TestStore_GetNotFound(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.GetTurn(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListByScope(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
			for i := 3; i >= 1; i-- {
				require.NoError(t, s.UpsertTurn(ctx, types.TurnRecord{
					ID:                fmt.Sprintf("turn-%d", i),
					ConversationScope: "conv-a",
					Status:            types.TurnSuccess,
					CreatedAt:         base.Add(time.Duration(i) * time.Second),
				}))
			}
			require.NoError(t, s.UpsertTurn(ctx, types.TurnRecord{
				ID: "other", ConversationScope: "conv-b", Status: types.TurnError,
			}))

			list, err := s.ListTurns(ctx, "conv-a")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "turn-1", list[0].ID)
			assert.Equal(t, "turn-3", list[2].ID)

			empty, err := s.ListTurns(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_Validation(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			err := s.UpsertTurn(context.Background(), types.TurnRecord{Status: types.TurnSuccess})
			assert.Error(t, err)
			err = s.UpsertTurn(context.Background(), types.TurnRecord{ID: "x"})
			assert.Error(t, err)
		})
	}
}

func TestStore_ConcurrentSessions(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("turn-%d", i)
					for j := 0; j < 5; j++ {
						assert.NoError(t, s.UpsertTurn(ctx, types.TurnRecord{
							ID:                id,
							ConversationScope: "conv",
							Content:           fmt.Sprintf("%s-%d", id, j),
							Status:            types.TurnInProgress,
						}))
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("turn-%d", i)
				got, err := s.GetTurn(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, id+"-4", got.Content)
			}
		})
	}
}

func TestFileStore_AtomicWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.UpsertTurn(context.Background(), types.TurnRecord{ID: "a/b", Status: types.TurnSuccess}))

	entries, err := os.ReadDir(filepath.Join(dir, "turn"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
		assert.NotContains(t, e.Name(), ".lock")
	}

	got, err := s.GetTurn(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", got.ID)
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "", time.Minute)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertTurn(ctx, types.TurnRecord{ID: "t", ConversationScope: "c", Status: types.TurnSuccess}))
	assert.True(t, mr.Exists("turnstream:turn:t"))

	mr.FastForward(2 * time.Minute)
	_, err := s.GetTurn(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListTurns(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, types.StoreConfig{Driver: "file", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, types.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "t.db")})
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, types.StoreConfig{Driver: "redis", DSN: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, types.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)

	_, err = OpenGorm("postgres", "")
	assert.ErrorContains(t, err, "dsn is required")
}

func TestSQLiteFilePath(t *testing.T) {
	tests := []struct {
		dsn  string
		path string
		ok   bool
	}{
		{":memory:", "", false},
		{"file::memory:?cache=shared", "", false},
		{"data/turns.db", "data/turns.db", true},
		{"data/turns.db?_pragma=busy_timeout(5000)", "data/turns.db", true},
		{"file:/var/lib/turns.db?mode=rwc", "/var/lib/turns.db", true},
		{"file:turns.db?mode=memory", "", false},
	}
	for _, tt := range tests {
		path, ok := sqliteFilePath(tt.dsn)
		assert.Equal(t, tt.ok, ok, tt.dsn)
		assert.Equal(t, tt.path, path, tt.dsn)
	}
}
