// Package snapshot keeps unsaved session drafts and announces saves through Redis.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"livecode/api/internal/collab"
)

const (
	defaultPrefix      = "livecode:draft:"
	defaultSaveChannel = "livecode:saves"
	defaultDraftTTL    = 7 * 24 * time.Hour
)

// RedisStore implements collab.DraftStore and collab.SaveNotifier.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	store := NewRedisStoreWithClient(client)
	if ttl > 0 {
		store.ttl = ttl
	}
	return store, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  defaultPrefix,
		channel: defaultSaveChannel,
		ttl:     defaultDraftTTL,
	}
}

func (s *RedisStore) key(sessionKey string) string {
	return s.prefix + sessionKey
}

// SaveDraft stores the draft, replacing any earlier one for the same file.
func (s *RedisStore) SaveDraft(ctx context.Context, sessionKey string, draft collab.Draft) error {
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionKey), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadDraft(ctx context.Context, sessionKey string) (collab.Draft, bool, error) {
	payload, err := s.client.Get(ctx, s.key(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return collab.Draft{}, false, nil
	}
	if err != nil {
		return collab.Draft{}, false, fmt.Errorf("load draft: %w", err)
	}
	var draft collab.Draft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return collab.Draft{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft, true, nil
}

func (s *RedisStore) DeleteDraft(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, s.key(sessionKey)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// PublishSave announces a successful save to other processes.
func (s *RedisStore) PublishSave(ctx context.Context, record collab.SaveRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal save event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish save event: %w", err)
	}
	return nil
}

// SubscribeSaves calls handle for every save event until ctx is done.
// Malformed events are skipped.
func (s *RedisStore) SubscribeSaves(ctx context.Context, handle func(collab.SaveRecord)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe save events: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var record collab.SaveRecord
			if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
				continue
			}
			handle(record)
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
