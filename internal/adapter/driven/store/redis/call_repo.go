// Package redis backs the CallRepository with a Redis instance so several
// signaling nodes can share call state. Keys follow the layout the rest of
// crewchat uses: call:{id} for records, user:{id}:activeCall for pointers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// Config controls the redis client. Defaults are conservative; the store
// only ever does point reads and writes on small values.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

type CallRepository struct {
	client *redis.Client
}

// Open connects and validates connectivity via PING before handing the
// repository out.
func Open(ctx context.Context, cfg Config) (*CallRepository, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &CallRepository{client: client}, nil
}

func (r *CallRepository) Close() error {
	return r.client.Close()
}

func callKey(id domain.CallID) string {
	return "call:" + id.String()
}

func pointerKey(user domain.UserID) string {
	return "user:" + user.String() + ":activeCall"
}

func (r *CallRepository) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, bool, error) {
	raw, err := r.client.Get(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CallRecord{}, false, nil
	}
	if err != nil {
		return domain.CallRecord{}, false, fmt.Errorf("get call %s: %w", id, err)
	}
	var rec domain.CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CallRecord{}, false, fmt.Errorf("decode call %s: %w", id, err)
	}
	return rec, true, nil
}

func (r *CallRepository) PutCall(ctx context.Context, rec domain.CallRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", rec.CallID, err)
	}
	return r.client.Set(ctx, callKey(rec.CallID), raw, ttl).Err()
}

func (r *CallRepository) DeleteCall(ctx context.Context, id domain.CallID) error {
	return r.client.Del(ctx, callKey(id)).Err()
}

func (r *CallRepository) GetPointer(ctx context.Context, user domain.UserID) (domain.CallID, bool, error) {
	raw, err := r.client.Get(ctx, pointerKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get pointer for %s: %w", user, err)
	}
	return domain.CallID(raw), true, nil
}

func (r *CallRepository) PutPointer(ctx context.Context, user domain.UserID, id domain.CallID, ttl time.Duration) error {
	return r.client.Set(ctx, pointerKey(user), id.String(), ttl).Err()
}

func (r *CallRepository) DeletePointer(ctx context.Context, user domain.UserID) error {
	return r.client.Del(ctx, pointerKey(user)).Err()
}
