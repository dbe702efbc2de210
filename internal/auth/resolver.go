// Package auth resolves opaque platform tokens to user identities. Tokens are
// minted by the main jobi backend when the client opens the messaging view;
// this service only reads them back from Redis, it never issues them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for chat access tokens.
	TokenPrefix = "auth:token:"

	// TokenTTL is the sliding expiry applied on every successful resolve.
	TokenTTL = 1 * time.Hour
)

// ErrUnauthenticated is returned when a token is unknown or expired.
var ErrUnauthenticated = errors.New("auth: unknown or expired token")

// Resolver looks up token identities in Redis.
type Resolver struct {
	client *redis.Client
}

// NewResolver connects to Redis and verifies the connection.
func NewResolver(redisAddr string) (*Resolver, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("auth: redis connection failed: %w", err)
	}

	return &Resolver{client: client}, nil
}

// NewResolverWithClient wraps an existing Redis client. The caller keeps
// ownership of the client.
func NewResolverWithClient(client *redis.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the user ID bound to token and refreshes the token's TTL so
// an active connection never expires mid-conversation.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}

	key := TokenPrefix + token
	userID, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("auth: resolve token: %w", err)
	}

	if err := r.client.Expire(ctx, key, TokenTTL).Err(); err != nil {
		// The token resolved; a failed TTL refresh only shortens its life.
		return userID, nil
	}
	return userID, nil
}

// Revoke deletes a token, forcing the holder to re-authenticate.
func (r *Resolver) Revoke(ctx context.Context, token string) error {
	return r.client.Del(ctx, TokenPrefix+token).Err()
}

// Client returns the underlying Redis client for use by other packages.
func (r *Resolver) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection.
func (r *Resolver) Close() error {
	return r.client.Close()
}
