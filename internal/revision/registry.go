package revision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionRecord is what a session leaves behind in Redis so its temporary
// documents can be found again if the client disappears mid-edit.
type SessionRecord struct {
	SessionID      string    `json:"sessionId"`
	ProjectID      string    `json:"projectId"`
	DuplicateIDs   []string  `json:"duplicateIds"`
	NewDocumentIDs []string  `json:"newDocumentIds"`
	HeartbeatAt    time.Time `json:"heartbeatAt"`
}

// RedisRegistry keeps session records in Redis. Records carry no Redis TTL:
// the janitor decides staleness from the heartbeat timestamp, so the
// document ids are still readable when a session is declared dead.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, prefix: "revsession:"}, nil
}

// NewRedisRegistryWithClient creates a registry from an existing client.
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "revsession:"}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisRegistry) Register(ctx context.Context, record SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(record.SessionID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, sessionID string) error {
	record, err := r.get(ctx, sessionID)
	if err != nil {
		return err
	}
	record.HeartbeatAt = time.Now()
	return r.Register(ctx, record)
}

func (r *RedisRegistry) Unregister(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// List returns every recorded session, live or stale.
func (r *RedisRegistry) List(ctx context.Context) ([]SessionRecord, error) {
	var (
		records []SessionRecord
		cursor  uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan session records: %w", err)
		}
		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read session record %s: %w", key, err)
			}
			var record SessionRecord
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				return nil, fmt.Errorf("unmarshal session record %s: %w", key, err)
			}
			records = append(records, record)
		}
		if next == 0 {
			return records, nil
		}
		cursor = next
	}
}

func (r *RedisRegistry) get(ctx context.Context, sessionID string) (SessionRecord, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Result()
	if err == redis.Nil {
		return SessionRecord{}, fmt.Errorf("session record %s not found", sessionID)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("read session record: %w", err)
	}
	var record SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return record, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
