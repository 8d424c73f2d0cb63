package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/hookgate/internal/storage"
)

const eventColumns = `id, provider, event_id, signature, payload, payload_digest, status, retry_count, max_retries, next_retry_at, processed_at, last_error, diagnostics, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev          Event
		signature   sql.NullString
		payload     string
		digest      sql.NullString
		status      string
		nextRetryAt sql.NullString
		processedAt sql.NullString
		lastError   sql.NullString
		diagnostics sql.NullString
		createdAt   string
	)
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &signature, &payload, &digest, &status,
		&ev.RetryCount, &ev.MaxRetries, &nextRetryAt, &processedAt, &lastError, &diagnostics, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	ev.Signature = signature.String
	ev.Payload = json.RawMessage(payload)
	ev.PayloadDigest = digest.String
	ev.Status = Status(status)
	ev.NextRetryAt = storage.NullTime(nextRetryAt)
	ev.ProcessedAt = storage.NullTime(processedAt)
	ev.LastError = lastError.String

	if diagnostics.Valid && diagnostics.String != "" {
		if err := json.Unmarshal([]byte(diagnostics.String), &ev.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode diagnostics for %s: %w", ev.ID, err)
		}
	}

	ev.CreatedAt, err = storage.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
