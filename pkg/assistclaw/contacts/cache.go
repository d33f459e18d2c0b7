// Package contacts keeps a local SQLite copy of the user's Google contacts
// and serves lookups from it when the People API is unavailable.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

// tsLayout is fixed-width so stamps compare correctly as strings.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Cache is the contacts table.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// NewCache wraps db. The schema comes from the database migrations.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Upsert stores contacts, stamping them with the current time, and returns
// that stamp.
func (c *Cache) Upsert(ctx context.Context, contacts []dispatch.Contact) (time.Time, error) {
	stamp := c.now().UTC()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return stamp, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts (resource_name, display_name, email, phone, organization, last_synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_name) DO UPDATE SET
			display_name = excluded.display_name,
			email        = excluded.email,
			phone        = excluded.phone,
			organization = excluded.organization,
			last_synced  = excluded.last_synced`)
	if err != nil {
		return stamp, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	ts := stamp.Format(tsLayout)
	for _, ct := range contacts {
		if ct.ResourceName == "" || ct.Name == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ct.ResourceName, ct.Name,
			strings.ToLower(ct.Email), ct.Phone, ct.Organization, ts); err != nil {
			return stamp, fmt.Errorf("upsert %s: %w", ct.ResourceName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return stamp, fmt.Errorf("commit: %w", err)
	}
	return stamp, nil
}

// PruneBefore deletes contacts not refreshed since cutoff.
func (c *Cache) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM contacts WHERE last_synced < ?`,
		cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("prune contacts: %w", err)
	}
	return res.RowsAffected()
}

// Search matches query against names and emails, case-insensitively.
// Exact name matches sort first, then prefix matches.
func (c *Cache) Search(ctx context.Context, query string, limit int) ([]dispatch.Contact, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	like := "%" + escapeLike(q) + "%"
	prefix := escapeLike(q) + "%"

	rows, err := c.db.QueryContext(ctx, `
		SELECT resource_name, display_name, email, phone, organization
		FROM contacts
		WHERE lower(display_name) LIKE ? ESCAPE '\' OR lower(email) LIKE ? ESCAPE '\'
		ORDER BY
			CASE
				WHEN lower(display_name) = ? THEN 0
				WHEN lower(display_name) LIKE ? ESCAPE '\' THEN 1
				ELSE 2
			END,
			display_name
		LIMIT ?`, like, like, q, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Contact
	for rows.Next() {
		var ct dispatch.Contact
		if err := rows.Scan(&ct.ResourceName, &ct.Name, &ct.Email, &ct.Phone, &ct.Organization); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// Count returns the number of cached contacts.
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// SyncRun is one recorded sync.
type SyncRun struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Fetched    int
	Error      string
}

// RecordSync appends a sync run.
func (c *Cache) RecordSync(ctx context.Context, run SyncRun) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO contact_syncs (started_at, finished_at, fetched, error) VALUES (?, ?, ?, ?)`,
		run.StartedAt.UTC().Format(tsLayout),
		run.FinishedAt.UTC().Format(tsLayout),
		run.Fetched, run.Error)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}

// LastSync returns the most recent sync run, or nil.
func (c *Cache) LastSync(ctx context.Context) (*SyncRun, error) {
	var started, finished string
	var run SyncRun
	err := c.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, fetched, error FROM contact_syncs ORDER BY id DESC LIMIT 1`).
		Scan(&started, &finished, &run.Fetched, &run.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sync: %w", err)
	}
	run.StartedAt, _ = time.Parse(tsLayout, started)
	run.FinishedAt, _ = time.Parse(tsLayout, finished)
	return &run, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
