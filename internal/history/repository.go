package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Repository interface {
	CreateSession(ctx context.Context, rec *Record) error
	UpdateSession(ctx context.Context, rec *Record) error
	GetSession(ctx context.Context, id string) (*Record, error)
	ListSessions(ctx context.Context, limit int) ([]*Record, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = `id, remote_session_id, phase, image_count, iterations, output_file,
	result_reference, error_stage, error_message, error_detail, created_at, updated_at`

func (r *SQLiteRepository) CreateSession(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, nullString(rec.RemoteSessionID), rec.Phase, rec.ImageCount, rec.Iterations,
		nullString(rec.OutputFile), nullString(rec.Reference), nullString(rec.ErrorStage),
		nullString(rec.ErrorMessage), nullString(string(rec.ErrorDetail)),
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

// UpdateSession overwrites every mutable column of an existing row.
func (r *SQLiteRepository) UpdateSession(ctx context.Context, rec *Record) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			remote_session_id = ?, phase = ?, image_count = ?, iterations = ?, output_file = ?,
			result_reference = ?, error_stage = ?, error_message = ?, error_detail = ?, updated_at = ?
		WHERE id = ?
	`, nullString(rec.RemoteSessionID), rec.Phase, rec.ImageCount, rec.Iterations,
		nullString(rec.OutputFile), nullString(rec.Reference), nullString(rec.ErrorStage),
		nullString(rec.ErrorMessage), nullString(string(rec.ErrorDetail)),
		rec.UpdatedAt.UTC().Format(time.RFC3339), rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListSessions returns the newest sessions first. A limit of zero or less
// means no limit.
func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var remoteID, outputFile, reference, errStage, errMessage, errDetail sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &remoteID, &rec.Phase, &rec.ImageCount, &rec.Iterations, &outputFile,
		&reference, &errStage, &errMessage, &errDetail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.RemoteSessionID = remoteID.String
	rec.OutputFile = outputFile.String
	rec.Reference = reference.String
	rec.ErrorStage = errStage.String
	rec.ErrorMessage = errMessage.String
	if errDetail.Valid && errDetail.String != "" {
		rec.ErrorDetail = json.RawMessage(errDetail.String)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Repository = (*SQLiteRepository)(nil)
