package sso

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
)

// Nonce is the single durable record this package owns: one random value per
// in-flight authorization attempt, created when the authorization URL is
// built and consumed exactly once at redemption.  An attempt abandoned
// before redemption leaves an orphan record; that is acceptable and bounded
// by the login page timeout upstream.
type Nonce struct {
	Value     string
	CreatedAt time.Time
}

// NonceStore persists login nonces.  Implementations must be safe for
// concurrent use.  Find returns (nil, nil) when the nonce is absent; Delete
// returns ErrNonceNotFound when the nonce was already deleted, which callers
// treat the same as a failed Find.
type NonceStore interface {
	Create(ctx context.Context, nonce string) error
	Find(ctx context.Context, nonce string) (*Nonce, error)
	Delete(ctx context.Context, nonce string) error
}

// NewNonce generates a fresh random nonce value.  Its unguessability is the
// only uniqueness guarantee the store relies on.
func NewNonce() (string, error) {
	const op = "sso.NewNonce"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate a nonce: %w", op, err)
	}
	return "n_" + id, nil
}

// MemoryNonceStore is an in-process NonceStore for tests and single-node
// deployments without durable storage.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]*Nonce
}

// NewMemoryNonceStore creates an empty MemoryNonceStore.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		nonces: map[string]*Nonce{},
	}
}

// Create persists the nonce.
func (s *MemoryNonceStore) Create(_ context.Context, nonce string) error {
	const op = "sso.(MemoryNonceStore).Create"
	if nonce == "" {
		return fmt.Errorf("%s: nonce is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[nonce]; ok {
		return fmt.Errorf("%s: nonce %s already exists: %w", op, nonce, ErrInvalidParameter)
	}
	s.nonces[nonce] = &Nonce{
		Value:     nonce,
		CreatedAt: time.Now(),
	}
	return nil
}

// Find returns the stored nonce record or (nil, nil) when absent.
func (s *MemoryNonceStore) Find(_ context.Context, nonce string) (*Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[nonce], nil
}

// Delete removes the nonce, returning ErrNonceNotFound when it was already
// gone.
func (s *MemoryNonceStore) Delete(_ context.Context, nonce string) error {
	const op = "sso.(MemoryNonceStore).Delete"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[nonce]; !ok {
		return fmt.Errorf("%s: %s: %w", op, nonce, ErrNonceNotFound)
	}
	delete(s.nonces, nonce)
	return nil
}
