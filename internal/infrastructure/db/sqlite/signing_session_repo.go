package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	upsertSessionQuery = `
		INSERT INTO signing_session (
			id, deposit_id, request_id, share_id, kind, message_hash,
			participants, state, nonces, partials, final_signature, error,
			started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deposit_id = excluded.deposit_id,
			request_id = excluded.request_id,
			share_id = excluded.share_id,
			kind = excluded.kind,
			message_hash = excluded.message_hash,
			participants = excluded.participants,
			state = excluded.state,
			nonces = excluded.nonces,
			partials = excluded.partials,
			final_signature = excluded.final_signature,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`
	selectSessionQuery = `
		SELECT id, deposit_id, request_id, share_id, kind, message_hash,
			participants, state, nonces, partials, final_signature, error,
			started_at, ended_at
		FROM signing_session
	`
	activeSessionFilter = " WHERE state IN (?, ?)"
)

type signingSessionRepository struct {
	db *sql.DB
}

func NewSigningSessionRepository(
	config ...interface{},
) (domain.SigningSessionRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open signing session repository: invalid config, expected db at 0")
	}

	return &signingSessionRepository{db}, nil
}

func (r *signingSessionRepository) AddOrUpdateSession(
	ctx context.Context, session domain.SigningSession,
) error {
	participants, err := jsonText(session.Participants)
	if err != nil {
		return err
	}
	nonces, err := jsonText(session.Nonces)
	if err != nil {
		return err
	}
	partials, err := jsonText(session.Partials)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(
		ctx, upsertSessionQuery,
		session.Id, session.DepositId, session.RequestId, session.ShareId,
		string(session.Kind), session.MessageHash, participants,
		int64(session.State), nonces, partials, session.FinalSignature,
		session.Error, session.StartedAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert signing session: %w", err)
	}
	return nil
}

func (r *signingSessionRepository) GetSessionWithId(
	ctx context.Context, id string,
) (*domain.SigningSession, error) {
	row := r.db.QueryRowContext(ctx, selectSessionQuery+" WHERE id = ?", id)
	return rowToSession(row)
}

func (r *signingSessionRepository) GetActiveSessions(
	ctx context.Context,
) ([]domain.SigningSession, error) {
	return r.findSessions(
		ctx, selectSessionQuery+activeSessionFilter,
		int64(domain.SessionAwaitNonces), int64(domain.SessionAwaitPartials),
	)
}

func (r *signingSessionRepository) GetActiveSessionWithShareId(
	ctx context.Context, shareId string,
) (*domain.SigningSession, error) {
	row := r.db.QueryRowContext(
		ctx, selectSessionQuery+activeSessionFilter+" AND share_id = ?",
		int64(domain.SessionAwaitNonces), int64(domain.SessionAwaitPartials),
		shareId,
	)
	return rowToSession(row)
}

func (r *signingSessionRepository) DeleteSessionsEndedBefore(
	ctx context.Context, timestamp int64,
) (int, error) {
	res, err := r.db.ExecContext(
		ctx,
		"DELETE FROM signing_session WHERE state IN (?, ?) AND ended_at > 0 AND ended_at < ?",
		int64(domain.SessionAggregated), int64(domain.SessionFailed), timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete signing sessions: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *signingSessionRepository) Close() {
	_ = r.db.Close()
}

func (r *signingSessionRepository) findSessions(
	ctx context.Context, query string, args ...interface{},
) ([]domain.SigningSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signing sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.SigningSession, 0)
	for rows.Next() {
		session, err := rowToSession(rows)
		if err != nil {
			return nil, err
		}
		if session != nil {
			sessions = append(sessions, *session)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func rowToSession(row rowScanner) (*domain.SigningSession, error) {
	var session domain.SigningSession
	var kind string
	var state int64
	var participants, nonces, partials string

	err := row.Scan(
		&session.Id, &session.DepositId, &session.RequestId, &session.ShareId,
		&kind, &session.MessageHash, &participants, &state, &nonces, &partials,
		&session.FinalSignature, &session.Error, &session.StartedAt,
		&session.EndedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan signing session: %w", err)
	}

	session.Kind = domain.MessageKind(kind)
	session.State = domain.SessionState(state)
	if err := fromJsonText(participants, &session.Participants); err != nil {
		return nil, fmt.Errorf("failed to parse participants: %w", err)
	}
	if err := fromJsonText(nonces, &session.Nonces); err != nil {
		return nil, fmt.Errorf("failed to parse nonce commitments: %w", err)
	}
	if err := fromJsonText(partials, &session.Partials); err != nil {
		return nil, fmt.Errorf("failed to parse partial signatures: %w", err)
	}

	return &session, nil
}
