package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// DefaultTokenTTL bounds how long an issued realtime token can be redeemed.
const DefaultTokenTTL = 60 * time.Second

// TokenStore issues single-use tokens bound to an identity.
type TokenStore interface {
	Issue(ctx context.Context, identity Identity) (string, error)
	// Redeem returns the bound identity and invalidates the token. Unknown, expired
	// and already redeemed tokens all yield ErrTokenInvalid.
	Redeem(ctx context.Context, token string) (*Identity, error)
}

func newToken() string {
	return uuid.NewString()
}

const tokenKeyPrefix = "dashtrack:ws-token:"

// RedisTokenStore keeps tokens as keys with a TTL and redeems them with GETDEL.
type RedisTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTokenStore(client *redis.Client, ttl time.Duration) *RedisTokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &RedisTokenStore{client: client, ttl: ttl}
}

func (s *RedisTokenStore) Issue(ctx context.Context, identity Identity) (string, error) {
	data, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("failed to marshal identity: %w", err)
	}
	token := newToken()
	if err := s.client.Set(ctx, tokenKeyPrefix+token, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

func (s *RedisTokenStore) Redeem(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	data, err := s.client.GetDel(ctx, tokenKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem token: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	return &identity, nil
}

// MemoryTokenStore is the single-process TokenStore.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens *expirable.LRU[string, Identity]
}

func NewMemoryTokenStore(size int, ttl time.Duration) *MemoryTokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &MemoryTokenStore{
		tokens: expirable.NewLRU[string, Identity](size, nil, ttl),
	}
}

func (s *MemoryTokenStore) Issue(_ context.Context, identity Identity) (string, error) {
	token := newToken()
	s.tokens.Add(token, identity)
	return token, nil
}

func (s *MemoryTokenStore) Redeem(_ context.Context, token string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.tokens.Get(token)
	if !ok {
		return nil, ErrTokenInvalid
	}
	s.tokens.Remove(token)
	return &identity, nil
}
