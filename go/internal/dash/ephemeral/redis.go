package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxTxRetries bounds optimistic WATCH retries for a single write.
const maxTxRetries = 8

// createOrGetScript returns the stored session unless it is completed, in which case
// (or when the key is empty) it stores and returns the fresh session in ARGV[1].
const createOrGetScript = `
local key = KEYS[1]
local fresh = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current then
  local ok, decoded = pcall(cjson.decode, current)
  if ok and decoded['status'] ~= 'completed' then
    return current
  end
end

redis.call('SET', key, fresh, 'PX', ttl)
return fresh
`

// releaseScript deletes the claim in KEYS[1] only while it is still pending.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// completeScript marks the claim in KEYS[2] committed and deletes the session in KEYS[1]
// when its session_id is ARGV[1]. A newer session in the slot is left alone.
const completeScript = `
redis.call('SET', KEYS[2], ARGV[2], 'PX', tonumber(ARGV[3]))

local current = redis.call('GET', KEYS[1])
if current then
  local ok, decoded = pcall(cjson.decode, current)
  if ok and decoded['session_id'] == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
  end
end
return 0
`

// RedisStore keeps sessions as JSON strings under Key[K]. Several processes may share one
// Redis; each write is announced on a per-kind channel for the others.
type RedisStore[K models.Kind] struct {
	client      *redis.Client
	clock       clockwork.Clock
	ttl         time.Duration
	origin      string
	createOrGet *redis.Script
	release     *redis.Script
	complete    *redis.Script
}

// NewRedisStore wires a store on top of an open client.
func NewRedisStore[K models.Kind](client *redis.Client, clock clockwork.Clock, ttl time.Duration) *RedisStore[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore[K]{
		client:      client,
		clock:       clock,
		ttl:         ttl,
		origin:      uuid.NewString(),
		createOrGet: redis.NewScript(createOrGetScript),
		release:     redis.NewScript(releaseScript),
		complete:    redis.NewScript(completeScript),
	}
}

func (s *RedisStore[K]) Get(ctx context.Context, userID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, Key[K](userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore[K]) CreateOrGet(ctx context.Context, userID string) (*models.Session, error) {
	fresh, err := json.Marshal(newSession(userID, s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	raw, err := s.createOrGet.Run(ctx, s.client, []string{Key[K](userID)}, fresh, s.ttl.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if raw == string(fresh) {
		s.announce(ctx, userID)
	}
	return decode([]byte(raw))
}

func (s *RedisStore[K]) AssignTask(ctx context.Context, userID, taskID string) (*models.Session, error) {
	return s.update(ctx, userID, assignTask(taskID))
}

func (s *RedisStore[K]) UnassignTask(ctx context.Context, userID string) (*models.Session, error) {
	return s.update(ctx, userID, unassignTask)
}

func (s *RedisStore[K]) AddEvent(ctx context.Context, userID string, event models.Event) (*models.Session, error) {
	return s.update(ctx, userID, addEvent(event))
}

func (s *RedisStore[K]) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, Key[K](userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.announce(ctx, userID)
	return nil
}

func (s *RedisStore[K]) ClaimCommit(ctx context.Context, userID, sessionID string, lease time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, commitKey[K](userID, sessionID), claimPending, lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim commit: %w", err)
	}
	return ok, nil
}

func (s *RedisStore[K]) ReleaseCommit(ctx context.Context, userID, sessionID string) error {
	err := s.release.Run(ctx, s.client, []string{commitKey[K](userID, sessionID)}, claimPending).Err()
	if err != nil {
		return fmt.Errorf("failed to release commit claim: %w", err)
	}
	return nil
}

// CompleteCommit keeps the committed marker for the store TTL, which outlives any copy of
// the session another process may still hold.
func (s *RedisStore[K]) CompleteCommit(ctx context.Context, userID, sessionID string) error {
	keys := []string{Key[K](userID), commitKey[K](userID, sessionID)}
	err := s.complete.Run(ctx, s.client, keys, sessionID, claimCommitted, s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to complete commit: %w", err)
	}
	s.announce(ctx, userID)
	return nil
}

// Changes subscribes to writes made through other RedisStore values of kind K. The
// subscription is active when Changes returns.
func (s *RedisStore[K]) Changes(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, changesChannel[K]())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to session changes: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				origin, userID, found := strings.Cut(msg.Payload, " ")
				if !found || origin == s.origin {
					continue
				}
				select {
				case out <- userID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore[K]) announce(ctx context.Context, userID string) {
	if err := s.client.Publish(ctx, changesChannel[K](), s.origin+" "+userID).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to announce session change")
	}
}

func (s *RedisStore[K]) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, Key[K](userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n == 1, nil
}

// update runs fn as an optimistic read-modify-write on the user's key and rewrites
// the value with a fresh TTL.
func (s *RedisStore[K]) update(ctx context.Context, userID string, fn func(*models.Session) error) (*models.Session, error) {
	key := Key[K](userID)
	var out *models.Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNoSession
		}
		if err != nil {
			return err
		}

		sess, err := decode(raw)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.UpdatedAt = s.clock.Now()

		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.announce(ctx, userID)
		return out, nil
	}
	return nil, ErrConflict
}

func decode(raw []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.Events == nil {
		sess.Events = []models.Event{}
	}
	return &sess, nil
}
