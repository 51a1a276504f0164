package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
)

const (
	upsertMetadataQuery = `
		INSERT INTO wrune_metadata (
			rune_id, name, symbol, divisibility, supply, token_identifier,
			issuer_public_key, bitcoin_network, spark_network, created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rune_id) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			divisibility = excluded.divisibility,
			supply = excluded.supply,
			token_identifier = excluded.token_identifier,
			issuer_public_key = excluded.issuer_public_key,
			bitcoin_network = excluded.bitcoin_network,
			spark_network = excluded.spark_network,
			updated_at = excluded.updated_at
	`
	selectMetadataQuery = `
		SELECT rune_id, name, symbol, divisibility, supply, token_identifier,
			issuer_public_key, bitcoin_network, spark_network, created_at,
			updated_at
		FROM wrune_metadata
	`
)

type wruneMetadataRepository struct {
	db *sql.DB
}

func NewWruneMetadataRepository(
	config ...interface{},
) (domain.WruneMetadataRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open wrune metadata repository: invalid config, expected db at 0")
	}

	return &wruneMetadataRepository{db}, nil
}

func (r *wruneMetadataRepository) UpsertMetadata(
	ctx context.Context, metadata domain.WruneMetadata,
) error {
	_, err := r.db.ExecContext(
		ctx, upsertMetadataQuery,
		metadata.RuneId, metadata.Name, metadata.Symbol,
		int64(metadata.Divisibility), metadata.Supply, metadata.TokenIdentifier,
		metadata.IssuerPublicKey, metadata.BitcoinNetwork, metadata.SparkNetwork,
		metadata.CreatedAt, metadata.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert wrune metadata: %w", err)
	}
	return nil
}

func (r *wruneMetadataRepository) GetMetadataWithRuneId(
	ctx context.Context, runeId string,
) (*domain.WruneMetadata, error) {
	row := r.db.QueryRowContext(ctx, selectMetadataQuery+" WHERE rune_id = ?", runeId)
	return rowToMetadata(row)
}

func (r *wruneMetadataRepository) GetAllMetadata(
	ctx context.Context,
) ([]domain.WruneMetadata, error) {
	rows, err := r.db.QueryContext(ctx, selectMetadataQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query wrune metadata: %w", err)
	}
	defer rows.Close()

	all := make([]domain.WruneMetadata, 0)
	for rows.Next() {
		metadata, err := rowToMetadata(rows)
		if err != nil {
			return nil, err
		}
		if metadata != nil {
			all = append(all, *metadata)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (r *wruneMetadataRepository) Close() {
	_ = r.db.Close()
}

func rowToMetadata(row rowScanner) (*domain.WruneMetadata, error) {
	var metadata domain.WruneMetadata
	var divisibility int64

	err := row.Scan(
		&metadata.RuneId, &metadata.Name, &metadata.Symbol, &divisibility,
		&metadata.Supply, &metadata.TokenIdentifier, &metadata.IssuerPublicKey,
		&metadata.BitcoinNetwork, &metadata.SparkNetwork, &metadata.CreatedAt,
		&metadata.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan wrune metadata: %w", err)
	}

	metadata.Divisibility = uint8(divisibility)
	return &metadata, nil
}
