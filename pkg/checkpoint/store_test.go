package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCheckpointStoreProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	redisClient := newRedis(t)
	tmpDir := t.TempDir()

	backends := map[string]func(key string) Store{
		"file": func(key string) Store {
			path := filepath.Join(tmpDir, key+".json")
			os.Remove(path)
			return NewFileStore(path)
		},
		"redis": func(key string) Store {
			redisClient.Del(context.Background(), key)
			return NewRedisStore(redisClient, key)
		},
	}

	for name, newStore := range backends {
		newStore := newStore

		properties.Property(name+" store keeps the newest id of each channel", prop.ForAll(
			func(key string, ids []uint64) bool {
				s := newStore(key)
				var newest uint64
				for _, id := range ids {
					if err := s.Save(context.Background(), "chan", strconv.FormatUint(id, 10)); err != nil {
						return false
					}
					if id > newest {
						newest = id
					}
				}

				loaded, err := s.Load(context.Background(), "chan")
				if err != nil {
					return false
				}
				if len(ids) == 0 {
					return loaded == ""
				}
				return loaded == strconv.FormatUint(newest, 10)
			},
			gen.Identifier(),
			gen.SliceOf(gen.UInt64Range(1, 1<<62)),
		))
	}

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestStoresIsolateChannels(t *testing.T) {
	for name, s := range map[string]Store{
		"file":  NewFileStore(filepath.Join(t.TempDir(), "cp.json")),
		"redis": NewRedisStore(newRedis(t), "patchwatch:checkpoints"),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, "a", "100"))
			require.NoError(t, s.Save(ctx, "b", "200"))

			got, err := s.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "100", got)

			got, err = s.Load(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, NewFileStore(path).Save(context.Background(), "a", "42"))

	got, err := NewFileStore(path).Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileStore(path).Load(context.Background(), "a")
	assert.Error(t, err)
}

func TestNewer(t *testing.T) {
	assert.True(t, Newer("100", "99"))
	assert.True(t, Newer("1", ""))
	assert.False(t, Newer("99", "100"))
	assert.False(t, Newer("5", "5"))
}
