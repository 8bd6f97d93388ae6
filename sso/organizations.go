package sso

import (
	"context"

	"github.com/keywarden/keywarden/auth"
)

// MemberType is the privilege level of an organization membership.
type MemberType int

const (
	MemberTypeOwner MemberType = iota
	MemberTypeAdmin
	MemberTypeUser
	MemberTypeManager
)

// MembershipStatus is the state of an organization membership.  Group sync
// considers a user a member in any state, including revoked, so a revoked
// user is never silently re-invited.
type MembershipStatus int

const (
	MembershipRevoked MembershipStatus = iota - 1
	MembershipInvited
	MembershipAccepted
	MembershipConfirmed
)

// Organization is the narrow view of an organization record group sync
// needs.
type Organization struct {
	ID           string
	Name         string
	BillingEmail string
}

// Membership ties a user to an organization in some state.
type Membership struct {
	OrganizationID string
	UserID         string
	Type           MemberType
	Status         MembershipStatus
}

// Invitation captures one group-sync invitation: default member privileges,
// no collection grants, auto-accepted, with the organization's billing
// contact as notifier.
type Invitation struct {
	User         *auth.User
	Device       *auth.Device
	IP           string
	Organization *Organization
	Type         MemberType
	AutoAccept   bool
	Notify       string
}

// OrganizationDirectory is the external collaborator SyncGroups reconciles
// provider groups against.  FindOrganizationByName returns (nil, nil) when
// no organization carries that exact name.
type OrganizationDirectory interface {
	FindOrganizationByName(ctx context.Context, name string) (*Organization, error)
	FindMembershipsAnyState(ctx context.Context, userID string) ([]*Membership, error)
	Invite(ctx context.Context, invitation *Invitation) error
}
