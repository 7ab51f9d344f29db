package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Store defines the interface for persisting the last processed message per channel
type Store interface {
	// Save records messageID for channelID. Ids older than the stored one
	// are ignored, so the checkpoint only moves forward.
	Save(ctx context.Context, channelID, messageID string) error

	// Load returns the last saved message id, or "" if none exists.
	Load(ctx context.Context, channelID string) (string, error)
}

// Newer reports whether message id a was created after b. Ids are decimal
// snowflakes, so a longer id is always newer.
func Newer(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// FileStore implements Store using a local JSON file
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(ctx context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	if !Newer(messageID, state[channelID]) {
		return nil
	}
	state[channelID] = messageID

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoints: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoints: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Load(ctx context.Context, channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return "", err
	}
	return state[channelID], nil
}

func (s *FileStore) read() (map[string]string, error) {
	state := map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint file %s: %w", filepath.Base(s.path), err)
	}
	return state, nil
}

// saveIfNewer compares ids the same way Newer does.
var saveIfNewer = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if current then
  if #current > #ARGV[2] or (#current == #ARGV[2] and current >= ARGV[2]) then
    return 0
  end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisStore implements Store using a Redis hash keyed by channel id
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) Save(ctx context.Context, channelID, messageID string) error {
	if messageID == "" {
		return nil
	}
	return saveIfNewer.Run(ctx, s.client, []string{s.key}, channelID, messageID).Err()
}

func (s *RedisStore) Load(ctx context.Context, channelID string) (string, error) {
	id, err := s.client.HGet(ctx, s.key, channelID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return id, nil
}
