// Package order reads the order/participant metadata that scopes every
// conversation. The marketplace backend owns this data; the chat service
// only ever reads it, and treats it as the authorization source of truth:
// a conversation is accessible iff the requesting identity is the order's
// client or provider.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no order exists for the conversation id.
var ErrNotFound = errors.New("order: not found")

// Order is the slice of order metadata the chat service needs: the two
// legitimate participants of the conversation keyed by the order id.
type Order struct {
	ID         string
	ClientID   string // service requester
	ProviderID string // service provider
	Status     string
}

// IsParticipant reports whether userID is one of the two participants.
func (o *Order) IsParticipant(userID string) bool {
	return userID == o.ClientID || userID == o.ProviderID
}

// Partner returns the other participant's id, or "" if userID is not a
// participant.
func (o *Order) Partner(userID string) string {
	switch userID {
	case o.ClientID:
		return o.ProviderID
	case o.ProviderID:
		return o.ClientID
	}
	return ""
}

// Store reads order metadata from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a read-only order store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get looks up an order by id. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	const query = `
		SELECT id, client_id, provider_id, status
		FROM orders
		WHERE id = $1`

	o := &Order{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.ClientID, &o.ProviderID, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order: get %s: %w", id, err)
	}
	return o, nil
}
