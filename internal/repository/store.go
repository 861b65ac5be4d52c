package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
)

// Store persists recipe groups, one logical record group per canonical
// index title. The repository reads all groups at startup and writes back
// only the groups it touched.
type Store interface {
	LoadAll(ctx context.Context) (map[string][]*recipe.Recipe, error)
	SaveGroup(ctx context.Context, indexTitle string, recipes []*recipe.Recipe) error
}

// NewStore prefers Redis when an endpoint is configured and reachable,
// falling back to the file store otherwise.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (Store, error) {
	if cfg.Redis.Enabled() {
		rs, err := NewRedisStore(ctx, cfg.Redis)
		if err == nil {
			return rs, nil
		}
		logger.Printf("redis store unavailable (%v), falling back to file store", err)
	}
	return NewFileStore(cfg.File.DataDir)
}

type group struct {
	IndexTitle string           `json:"index_title"`
	Recipes    []*recipe.Recipe `json:"recipes"`
}

// FileStore keeps one JSON file per recipe group under a data directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadAll(_ context.Context) (map[string][]*recipe.Recipe, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir %s: %w", s.dir, err)
	}
	groups := make(map[string][]*recipe.Recipe)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		var g group
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		groups[g.IndexTitle] = g.Recipes
	}
	return groups, nil
}

func (s *FileStore) SaveGroup(_ context.Context, indexTitle string, recipes []*recipe.Recipe) error {
	raw, err := json.MarshalIndent(group{IndexTitle: indexTitle, Recipes: recipes}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, slug(indexTitle)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

const recipeKeyPrefix = "recipes:"

// RedisStore keeps one JSON value per recipe group under recipes:<slug>.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr(), err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) LoadAll(ctx context.Context) (map[string][]*recipe.Recipe, error) {
	keys, err := s.client.Keys(ctx, recipeKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("listing recipe groups: %w", err)
	}
	groups := make(map[string][]*recipe.Recipe, len(keys))
	for _, key := range keys {
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		var g group
		if err := json.Unmarshal([]byte(val), &g); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		groups[g.IndexTitle] = g.Recipes
	}
	return groups, nil
}

func (s *RedisStore) SaveGroup(ctx context.Context, indexTitle string, recipes []*recipe.Recipe) error {
	raw, err := json.Marshal(group{IndexTitle: indexTitle, Recipes: recipes})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, recipeKeyPrefix+slug(indexTitle), raw, 0).Err()
}

// slug reduces an index title to a stable storage key segment.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "untitled"
	}
	return out
}
