package domain

import "context"

type SigningSessionRepository interface {
	AddOrUpdateSession(ctx context.Context, session SigningSession) error
	GetSessionWithId(ctx context.Context, id string) (*SigningSession, error)
	GetActiveSessions(ctx context.Context) ([]SigningSession, error)
	GetActiveSessionWithShareId(ctx context.Context, shareId string) (*SigningSession, error)
	// DeleteSessionsEndedBefore garbage-collects ended sessions past the
	// grace period, returning how many were removed.
	DeleteSessionsEndedBefore(ctx context.Context, timestamp int64) (int, error)
	Close()
}
