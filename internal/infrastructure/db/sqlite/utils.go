package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
)

func OpenDb(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	db.SetMaxOpenConns(1) // prevent concurrent writes

	return db, nil
}

func execTx(
	ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error,
) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = fmt.Errorf("panic: %v, rollback error: %w", p, rollbackErr)
			}
			panic(p) // Re-throw after rollback
		} else if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = fmt.Errorf("original error: %v, rollback error: %w", err, rollbackErr)
			}
		}
	}()

	if err = txBody(tx); err != nil {
		return fmt.Errorf("failed to execute transaction: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// jsonText encodes nested domain fields into a TEXT column. A nil value is
// stored as the literal "null" and decodes back to nil.
func jsonText(v interface{}) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize column: %w", err)
	}
	return string(buf), nil
}

func fromJsonText(s string, v interface{}) error {
	if len(s) <= 0 {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: len(s) > 0}
}
