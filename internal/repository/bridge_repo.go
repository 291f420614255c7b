package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentease/cdp-relay/internal/model"
)

// BridgeRepository provides data access for the bridge journal.
type BridgeRepository struct {
	db *sql.DB
}

// NewBridgeRepository creates a new BridgeRepository.
func NewBridgeRepository(db *sql.DB) *BridgeRepository {
	return &BridgeRepository{db: db}
}

const bridgeColumns = `id, remote_addr, session_id, reused, state, close_code, close_reason, reconnects, created_at, updated_at`

// Create inserts a new bridge record.
func (r *BridgeRepository) Create(ctx context.Context, rec *model.BridgeRecord) error {
	query := `
		INSERT INTO bridges (` + bridgeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RemoteAddr,
		nullString(rec.SessionID),
		rec.Reused,
		rec.State,
		rec.CloseCode,
		nullString(rec.CloseReason),
		rec.Reconnects,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge record: %w", err)
	}

	return nil
}

// Update overwrites the mutable fields of a bridge record.
func (r *BridgeRepository) Update(ctx context.Context, rec *model.BridgeRecord) error {
	query := `
		UPDATE bridges
		SET session_id = ?, reused = ?, state = ?, close_code = ?, close_reason = ?, reconnects = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullString(rec.SessionID),
		rec.Reused,
		rec.State,
		rec.CloseCode,
		nullString(rec.CloseReason),
		rec.Reconnects,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bridge record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrBridgeNotFound
	}

	return nil
}

// GetByID retrieves a bridge record by its ID.
func (r *BridgeRepository) GetByID(ctx context.Context, id string) (*model.BridgeRecord, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges WHERE id = ?`

	rec, err := scanBridge(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrBridgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge record: %w", err)
	}

	return rec, nil
}

// ListRecent retrieves the newest bridge records, newest first.
func (r *BridgeRepository) ListRecent(ctx context.Context, limit int) ([]*model.BridgeRecord, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridge records: %w", err)
	}
	defer rows.Close()

	var records []*model.BridgeRecord
	for rows.Next() {
		rec, err := scanBridge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bridge records: %w", err)
	}

	return records, nil
}

// MarkAbandoned moves every record not yet closed to the abandoned state.
// Bridges never survive a restart, so this runs once at startup.
func (r *BridgeRepository) MarkAbandoned(ctx context.Context) (int64, error) {
	query := `
		UPDATE bridges
		SET state = ?, updated_at = ?
		WHERE state NOT IN (?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		model.BridgeStateAbandoned,
		time.Now(),
		model.BridgeStateClosed,
		model.BridgeStateAbandoned,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned bridges: %w", err)
	}

	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBridge(row rowScanner) (*model.BridgeRecord, error) {
	rec := &model.BridgeRecord{}
	var sessionID sql.NullString
	var closeCode sql.NullInt64
	var closeReason sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.RemoteAddr,
		&sessionID,
		&rec.Reused,
		&rec.State,
		&closeCode,
		&closeReason,
		&rec.Reconnects,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		rec.SessionID = sessionID.String
	}

	if closeCode.Valid {
		code := int(closeCode.Int64)
		rec.CloseCode = &code
	}

	if closeReason.Valid {
		rec.CloseReason = closeReason.String
	}

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
