// Package redis provides a Redis-backed implementation of
// storage.MessageStore. Session metadata lives in per-session keys indexed
// by a set; message logs are Redis lists appended in arrival order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/storage"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required for New; NewFromEnv
	// constructs one from RedisAddr.
	Client *redis.Client

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all Redis keys. ENV: HISTORY_KEY_PREFIX
	KeyPrefix string `env:"HISTORY_KEY_PREFIX,default=agentgate:"`
}

// Store implements storage.MessageStore using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed store from an existing client.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "agentgate:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config and pings
// the server to fail fast on misconfiguration.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	cfg.Client = cl
	return New(cfg)
}

func (s *Store) recordKey(sessionID string) string { return s.keyPrefix + "session:" + sessionID }
func (s *Store) logKey(sessionID string) string    { return s.keyPrefix + "log:" + sessionID }
func (s *Store) indexKey() string                  { return s.keyPrefix + "sessions" }

func (s *Store) AppendMessage(ctx context.Context, sessionID string, role storage.Role, content string, opts ...storage.AppendOption) error {
	options := &storage.AppendOptions{}
	for _, opt := range opts {
		opt(options)
	}
	msg := storage.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ToolName:  options.ToolName,
		IsError:   options.IsError,
		Meta:      options.Meta,
		CreatedAt: time.Now(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, s.logKey(sessionID), b).Err(); err != nil {
		return fmt.Errorf("append message for %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, rec storage.SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.SessionID), b, 0)
	pipe.SAdd(ctx, s.indexKey(), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *Store) LoadSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	recs := make([]storage.SessionRecord, 0, len(ids))
	for _, id := range ids {
		val, err := s.client.Get(ctx, s.recordKey(id)).Result()
		if err == redis.Nil {
			// Index entry outlived its record; self-heal.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		var rec storage.SessionRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]storage.Message, error) {
	vals, err := s.client.LRange(ctx, s.logKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	msgs := make([]storage.Message, 0, len(vals))
	for _, v := range vals {
		var m storage.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	isMember, err := s.client.SIsMember(ctx, s.indexKey(), sessionID).Result()
	if err != nil {
		return fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if !isMember {
		return storage.ErrSessionUnknown
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(sessionID), s.logKey(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ storage.MessageStore = (*Store)(nil)
