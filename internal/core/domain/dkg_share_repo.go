package domain

import (
	"context"
	"errors"
)

// ErrNoUnassignedShares is returned by BindNextShare when the pregenerated
// pool has run dry.
var ErrNoUnassignedShares = errors.New("no unassigned shares left in the pool")

type DkgShareRepository interface {
	AddShares(ctx context.Context, shares []DkgShare) error
	GetShareWithId(ctx context.Context, id string) (*DkgShare, error)
	GetShareWithGroupKey(ctx context.Context, groupPublicKey string) (*DkgShare, error)
	// BindNextShare atomically draws the oldest unassigned share from the
	// pool and binds it to the given intent.
	BindNextShare(ctx context.Context, userUUID, runeId string, role ShareRole) (*DkgShare, error)
	GetIssuerShareForRune(ctx context.Context, runeId string) (*DkgShare, error)
	CountUnassignedShares(ctx context.Context) (int, error)
	Close()
}
