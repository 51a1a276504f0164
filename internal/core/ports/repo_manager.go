package ports

import "github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"

type RepoManager interface {
	DepositEvents() domain.DepositEventRepository
	Deposits() domain.DepositRepository
	DkgShares() domain.DkgShareRepository
	Utxos() domain.UtxoRepository
	BridgeRequests() domain.BridgeRequestRepository
	SigningSessions() domain.SigningSessionRepository
	WruneMetadata() domain.WruneMetadataRepository
	Intents() IntentRepository
	Close()
}
