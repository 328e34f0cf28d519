package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
)

// MySQLLedger keeps the durable form of the ledger: a property row plus an
// append-only events table. Lease arbitration is a conditional UPDATE; zero
// rows affected means the race was lost, never that the update half-applied.
type MySQLLedger struct {
	db *sql.DB
}

func NewMySQLLedger(db *sql.DB) *MySQLLedger {
	return &MySQLLedger{db: db}
}

// EnsureSchema creates the backing tables when absent. Event rows are only
// ever inserted; there is no UPDATE or DELETE path for them.
func (m *MySQLLedger) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS properties (
			id          VARCHAR(64)  PRIMARY KEY,
			address     VARCHAR(255) NOT NULL,
			created_by  VARCHAR(128) NOT NULL DEFAULT '',
			photo_url   VARCHAR(512) NOT NULL DEFAULT '',
			reserved_by VARCHAR(128) NOT NULL DEFAULT '',
			reserved_at DATETIME NULL,
			expires_at  DATETIME NULL
		)`,
		`CREATE TABLE IF NOT EXISTS property_events (
			seq         BIGINT AUTO_INCREMENT PRIMARY KEY,
			property_id VARCHAR(64)  NOT NULL,
			owner       VARCHAR(128) NOT NULL,
			price       BIGINT       NOT NULL,
			recorded_at DATETIME     NOT NULL,
			INDEX idx_property_events_property (property_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLLedger) List(ctx context.Context, filter domain.Filter) (json.RawMessage, error) {
	query := `SELECT id FROM properties`
	args := []any{}
	if filter.CreatedBy != "" {
		query += ` WHERE created_by = ?`
		args = append(args, filter.CreatedBy)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan property id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}

	payloads := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		doc, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, doc)
	}
	return json.Marshal(payloads)
}

func (m *MySQLLedger) Get(ctx context.Context, id string) (json.RawMessage, error) {
	var doc hashDoc
	var reservedAt, expiresAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT id, address, created_by, photo_url, reserved_by, reserved_at, expires_at
		FROM properties WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Address, &doc.CreatedBy, &doc.PhotoURL, &doc.ReservedBy, &reservedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query property %s: %w", id, err)
	}
	if reservedAt.Valid {
		doc.ReservedAt = reservedAt.Time.UTC().Format(time.RFC3339)
	}
	if expiresAt.Valid {
		doc.ExpiresAt = expiresAt.Time.Unix()
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT owner, price, recorded_at
		FROM property_events WHERE property_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", id, err)
	}
	defer rows.Close()

	var owners []hashOwnerEntry
	var prices []hashPriceEntry
	for rows.Next() {
		var owner string
		var price int64
		var at time.Time
		if err := rows.Scan(&owner, &price, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		date := at.UTC().Format(time.RFC3339)
		owners = append(owners, hashOwnerEntry{Owner: owner, Date: date})
		prices = append(prices, hashPriceEntry{Price: price, Date: date})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events %s: %w", id, err)
	}

	ownersJSON, err := json.Marshal(owners)
	if err != nil {
		return nil, err
	}
	pricesJSON, err := json.Marshal(prices)
	if err != nil {
		return nil, err
	}
	doc.OwnerHistory = json.RawMessage(orEmptyArray(string(ownersJSON)))
	doc.PriceHistory = json.RawMessage(orEmptyArray(string(pricesJSON)))

	return json.Marshal(doc)
}

func (m *MySQLLedger) AppendEvent(ctx context.Context, id string, ev domain.Event) (json.RawMessage, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The no-op duplicate-key update keeps creation idempotent without
	// touching immutable columns on later appends.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO properties (id, address, created_by, photo_url)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		id, ev.Address, ev.CreatedBy, ev.PhotoURL,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert property: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO property_events (property_id, owner, price, recorded_at)
		VALUES (?, ?, ?, ?)`,
		id, ev.Owner, ev.Price, ev.At.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return m.Get(ctx, id)
}

func (m *MySQLLedger) TryAcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (domain.Lease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result, err := m.db.ExecContext(ctx, `
		UPDATE properties
		SET reserved_by = ?, reserved_at = ?, expires_at = ?
		WHERE id = ? AND (reserved_by = '' OR expires_at IS NULL OR expires_at <= ?)`,
		holder, now, expiresAt, id, now,
	)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		err := m.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM properties WHERE id = ?)`, id,
		).Scan(&exists)
		if err != nil {
			return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
		}
		if !exists {
			return domain.Lease{}, domain.ErrNotFound
		}
		return domain.Lease{}, domain.ErrAlreadyHeld
	}

	return domain.Lease{Holder: holder, AcquiredAt: now, ExpiresAt: expiresAt}, nil
}

func (m *MySQLLedger) ReleaseLease(ctx context.Context, id, holder string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE properties
		SET reserved_by = '', reserved_at = NULL, expires_at = NULL
		WHERE id = ? AND reserved_by = ?`,
		id, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		err := m.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM properties WHERE id = ?)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrNotHolder
	}
	return nil
}
