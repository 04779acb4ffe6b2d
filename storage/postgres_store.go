package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"apartment-watcher/models"
)

const listingColumns = `id, external_id, title, location, description, price, size, rooms,
	url, status, filter_reason, error_detail, created_at, processed_at`

// PostgresStore persists listings in PostgreSQL and implements ListingStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use store. Failure here is the only fatal error in
// the application.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	_, err := ps.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			id            BIGSERIAL PRIMARY KEY,
			external_id   TEXT         UNIQUE NOT NULL,
			title         TEXT         NOT NULL DEFAULT '',
			location      TEXT         NOT NULL DEFAULT '',
			description   TEXT         NOT NULL DEFAULT '',
			price         NUMERIC(10,2),
			size          NUMERIC(10,2),
			rooms         INTEGER,
			url           TEXT         NOT NULL DEFAULT '',
			status        VARCHAR(20)  NOT NULL DEFAULT 'new',
			filter_reason TEXT         NOT NULL DEFAULT '',
			error_detail  TEXT         NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			processed_at  TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_listings_status     ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_created_at ON listings(created_at);
	`)
	return err
}

// Upsert inserts the candidate or returns the existing row unmodified.
// The uniqueness constraint on external_id resolves racing inserts: the
// loser's INSERT returns no row and falls through to the SELECT.
func (ps *PostgresStore) Upsert(ctx context.Context, raw *models.RawListing) (*models.Listing, bool, error) {
	row := ps.db.QueryRowContext(ctx, `
		INSERT INTO listings (external_id, title, location, description, price, size, rooms, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'new')
		ON CONFLICT (external_id) DO NOTHING
		RETURNING `+listingColumns,
		raw.ExternalID, raw.Title, raw.Location, raw.Description,
		raw.Price, raw.Size, raw.Rooms, raw.URL,
	)

	listing, err := scanListing(row)
	if err == nil {
		return listing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, &StoreError{Op: "upsert " + raw.ExternalID, Err: err}
	}

	existing, err := ps.getByExternalID(ctx, raw.ExternalID)
	if err != nil {
		return nil, false, &StoreError{Op: "upsert fetch " + raw.ExternalID, Err: err}
	}
	return existing, false, nil
}

func (ps *PostgresStore) getByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	row := ps.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE external_id = $1`, externalID)
	return scanListing(row)
}

// MarkFiltered sets status=filtered_out with a reject reason and stamps
// processed_at.
func (ps *PostgresStore) MarkFiltered(ctx context.Context, externalID, reason string) error {
	return ps.update(ctx, "mark filtered "+externalID, `
		UPDATE listings
		SET status = 'filtered_out', filter_reason = $2, processed_at = NOW()
		WHERE external_id = $1`, externalID, reason)
}

// MarkAccepted sets status=accepted; processed_at stays unset.
func (ps *PostgresStore) MarkAccepted(ctx context.Context, externalID string) error {
	return ps.update(ctx, "mark accepted "+externalID, `
		UPDATE listings
		SET status = 'accepted'
		WHERE external_id = $1`, externalID)
}

// MarkNotified sets status=notified and stamps processed_at.
func (ps *PostgresStore) MarkNotified(ctx context.Context, externalID string) error {
	return ps.update(ctx, "mark notified "+externalID, `
		UPDATE listings
		SET status = 'notified', processed_at = NOW()
		WHERE external_id = $1`, externalID)
}

// MarkError sets status=error with the failure detail. processed_at is not
// stamped, keeping the listing eligible for retry.
func (ps *PostgresStore) MarkError(ctx context.Context, externalID, detail string) error {
	return ps.update(ctx, "mark error "+externalID, `
		UPDATE listings
		SET status = 'error', error_detail = $2
		WHERE external_id = $1`, externalID, detail)
}

// ListPending returns listings with status new or accepted, oldest first.
func (ps *PostgresStore) ListPending(ctx context.Context) ([]*models.Listing, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status IN ('new', 'accepted')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, &StoreError{Op: "list pending", Err: err}
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, &StoreError{Op: "list pending scan", Err: err}
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list pending rows", Err: err}
	}
	return listings, nil
}

// RequeueErrored moves errored listings back to new so the next cycle
// retries them.
func (ps *PostgresStore) RequeueErrored(ctx context.Context) (int64, error) {
	res, err := ps.db.ExecContext(ctx, `
		UPDATE listings
		SET status = 'new', error_detail = ''
		WHERE status = 'error'`)
	if err != nil {
		return 0, &StoreError{Op: "requeue errored", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "requeue errored count", Err: err}
	}
	return n, nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func (ps *PostgresStore) update(ctx context.Context, op, query string, args ...any) error {
	res, err := ps.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StoreError{Op: op, Err: sql.ErrNoRows}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var (
		l           models.Listing
		price, size sql.NullFloat64
		rooms       sql.NullInt64
		processedAt sql.NullTime
	)

	err := row.Scan(
		&l.ID, &l.ExternalID, &l.Title, &l.Location, &l.Description,
		&price, &size, &rooms,
		&l.URL, &l.Status, &l.FilterReason, &l.ErrorDetail,
		&l.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	if price.Valid {
		l.Price = &price.Float64
	}
	if size.Valid {
		l.Size = &size.Float64
	}
	if rooms.Valid {
		r := int(rooms.Int64)
		l.Rooms = &r
	}
	if processedAt.Valid {
		l.ProcessedAt = &processedAt.Time
	}

	return &l, nil
}
