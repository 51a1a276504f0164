package domain

import "context"

type WruneMetadataRepository interface {
	UpsertMetadata(ctx context.Context, metadata WruneMetadata) error
	GetMetadataWithRuneId(ctx context.Context, runeId string) (*WruneMetadata, error)
	GetAllMetadata(ctx context.Context) ([]WruneMetadata, error)
	Close()
}
