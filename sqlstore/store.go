// Package sqlstore backs the SSO core's durable interfaces with a
// PostgreSQL database: the replay nonce store and read/invite access to
// organization records.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/lib/pq"

	"github.com/keywarden/keywarden/sso"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// failures.
const uniqueViolation = "23505"

// Store implements sso.NonceStore and sso.OrganizationDirectory.
type Store struct {
	db *sql.DB
}

var (
	_ sso.NonceStore            = (*Store)(nil)
	_ sso.OrganizationDirectory = (*Store)(nil)
)

// New creates a Store over an open database handle.
func New(db *sql.DB) (*Store, error) {
	const op = "sqlstore.New"
	if db == nil {
		return nil, fmt.Errorf("%s: db is nil: %w", op, sso.ErrNilParameter)
	}
	return &Store{db: db}, nil
}

// Create persists a login nonce.  Nonce values are random and effectively
// unique; a duplicate insert indicates a caller bug and is reported as such.
func (s *Store) Create(ctx context.Context, nonce string) error {
	const op = "sqlstore.(Store).Create"
	if nonce == "" {
		return fmt.Errorf("%s: nonce is empty: %w", op, sso.ErrInvalidParameter)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_nonces (nonce, created_at)
		VALUES ($1, $2)
	`, nonce, time.Now())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%s: nonce already exists: %w", op, sso.ErrInvalidParameter)
		}
		return fmt.Errorf("%s: failed to save nonce: %w", op, err)
	}
	return nil
}

// Find returns the stored nonce record or (nil, nil) when absent.
func (s *Store) Find(ctx context.Context, nonce string) (*sso.Nonce, error) {
	const op = "sqlstore.(Store).Find"
	record := &sso.Nonce{}
	err := s.db.QueryRowContext(ctx, `
		SELECT nonce, created_at
		FROM sso_nonces
		WHERE nonce = $1
	`, nonce).Scan(&record.Value, &record.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: failed to find nonce: %w", op, err)
	}
	return record, nil
}

// Delete removes a nonce, reporting sso.ErrNonceNotFound when it was
// already gone.
func (s *Store) Delete(ctx context.Context, nonce string) error {
	const op = "sqlstore.(Store).Delete"
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sso_nonces
		WHERE nonce = $1
	`, nonce)
	if err != nil {
		return fmt.Errorf("%s: failed to delete nonce: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to delete nonce: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s: %w", op, nonce, sso.ErrNonceNotFound)
	}
	return nil
}

// FindOrganizationByName returns the organization carrying exactly that
// name, or (nil, nil) when there is none.
func (s *Store) FindOrganizationByName(ctx context.Context, name string) (*sso.Organization, error) {
	const op = "sqlstore.(Store).FindOrganizationByName"
	org := &sso.Organization{}
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, billing_email
		FROM organizations
		WHERE name = $1
	`, name).Scan(&org.ID, &org.Name, &org.BillingEmail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: failed to find organization: %w", op, err)
	}
	return org, nil
}

// FindMembershipsAnyState lists the user's organization memberships in
// every state, revoked included.
func (s *Store) FindMembershipsAnyState(ctx context.Context, userID string) ([]*sso.Membership, error) {
	const op = "sqlstore.(Store).FindMembershipsAnyState"
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_uuid, user_uuid, atype, status
		FROM organization_users
		WHERE user_uuid = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to list memberships: %w", op, err)
	}
	defer rows.Close()

	var memberships []*sso.Membership
	for rows.Next() {
		m := &sso.Membership{}
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Type, &m.Status); err != nil {
			return nil, fmt.Errorf("%s: failed to scan membership: %w", op, err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: failed to list memberships: %w", op, err)
	}
	return memberships, nil
}

// Invite records a membership for the invited user.  Auto-accepted
// invitations (the group-sync default) are written directly in the accepted
// state.
func (s *Store) Invite(ctx context.Context, invitation *sso.Invitation) error {
	const op = "sqlstore.(Store).Invite"
	if invitation == nil || invitation.User == nil || invitation.Organization == nil {
		return fmt.Errorf("%s: invitation, user or organization is nil: %w", op, sso.ErrNilParameter)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("%s: unable to generate membership id: %w", op, err)
	}
	status := sso.MembershipInvited
	if invitation.AutoAccept {
		status = sso.MembershipAccepted
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_users (uuid, org_uuid, user_uuid, atype, status, invited_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, invitation.Organization.ID, invitation.User.ID, invitation.Type, status, invitation.Notify, time.Now())
	if err != nil {
		return fmt.Errorf("%s: failed to save invitation: %w", op, err)
	}
	return nil
}
