package redis_session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/session"
)

// Store keeps session message history in Redis, one JSON list value per
// session, so oracle sessions survive process restarts.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(ctx context.Context, addr, password string, db int, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &Store{client: rdb}, nil
}

func key(id string) string { return fmt.Sprintf("session:%s:messages", id) }

func (s *Store) Create(ctx context.Context, systemPrompt string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	var msgs []session.Message
	if systemPrompt != "" {
		msgs = append(msgs, session.Message{Role: "system", Content: systemPrompt})
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, key(id), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return id, nil
}

func (s *Store) Append(ctx context.Context, id string, msg session.Message) error {
	msgs, ttl, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key(id), data, ttl).Err()
}

func (s *Store) History(ctx context.Context, id string) ([]session.Message, error) {
	msgs, _, err := s.load(ctx, id)
	return msgs, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, key(id)).Err()
}

func (s *Store) load(ctx context.Context, id string) ([]session.Message, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key(id))
	ttlCmd := pipe.TTL(ctx, key(id))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, session.ErrNotFound
		}
		return nil, 0, fmt.Errorf("loading session %s: %w", id, err)
	}
	var msgs []session.Message
	if err := json.Unmarshal([]byte(getCmd.Val()), &msgs); err != nil {
		return nil, 0, fmt.Errorf("decoding session %s: %w", id, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0 // key without expiry keeps no expiry
	}
	return msgs, ttl, nil
}
