// Package vault exposes the vault membership directory consumed by the
// grant workflows.
package vault

import (
	"context"

	"github.com/google/uuid"

	"github.com/vaultgrant/vaultgrant/internal/session"
)

// Membership roles. Owners and keyholders may approve transfer and
// emergency requests for their vault.
const (
	RoleOwner     = "owner"
	RoleKeyholder = "keyholder"
	RoleNominee   = "nominee"
)

// Directory answers membership questions from the vault_members table. It
// runs on the same time-boxed store sessions as the grant repository.
type Directory struct {
	sessions *session.Factory
}

// NewDirectory constructs the directory.
func NewDirectory(sessions *session.Factory) *Directory {
	return &Directory{sessions: sessions}
}

// CanApprove reports whether the actor holds an approving role for the
// vault.
func (d *Directory) CanApprove(ctx context.Context, vaultID, actorID uuid.UUID) (bool, error) {
	sess, err := d.sessions.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer sess.Release()

	var ok bool
	err = sess.Q().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vault_members WHERE vault_id=$1 AND user_id=$2 AND role IN ($3, $4))`,
		vaultID, actorID, RoleOwner, RoleKeyholder).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// AddMember records a membership, upgrading the role if one already exists.
func (d *Directory) AddMember(ctx context.Context, vaultID, userID uuid.UUID, role string) error {
	sess, err := d.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	_, err = sess.Q().Exec(ctx,
		`INSERT INTO vault_members (vault_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (vault_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		vaultID, userID, role)
	return err
}
