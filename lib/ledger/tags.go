// Package ledger holds the finance repository operations that run on the
// pooled store.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/store"
	"github.com/budgetbook/ledgerd/lib/validation"
)

var tagsSchema = []string{
	`CREATE TABLE IF NOT EXISTS tags (
		tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL,
		tag_name TEXT NOT NULL,
		tag_color TEXT NOT NULL,
		date_created TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		user_id INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tags_transaction_id ON tags(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tags_user_id ON tags(user_id)`,
}

// Tag is a label attached to a transaction.
type Tag struct {
	ID            int64
	TransactionID int64
	Name          string
	Color         string
	Created       time.Time
	UserID        *int64
}

// TagUsage is a distinct name/color pair and how often it is used.
type TagUsage struct {
	Name  string
	Color string
	Count int
}

// Repository runs ledger queries through a pooled database.
type Repository struct {
	db *store.DB
}

// New returns a repository on db.
func New(db *store.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the tags table and its indexes when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range tagsSchema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating tags schema: %w", err)
			}
		}
		return nil
	})
}

// AddTag attaches a tag to a transaction and returns the new tag ID.
// userID may be nil.
func (r *Repository) AddTag(ctx context.Context, transactionID int64, name, color string, userID *int64) (int64, error) {
	err := validation.All(
		func() error { return validation.Positive("transaction_id", transactionID) },
		func() error { return validation.TagName("tag_name", name) },
		func() error { return validation.HexColor("tag_color", color) },
	)
	if err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)

	var id int64
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tags (transaction_id, tag_name, tag_color, user_id) VALUES (?, ?, ?, ?)`,
			transactionID, name, color, nullableID(userID))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	log.WithField("transaction", transactionID).WithField("tag", name).Debug("tag added")
	return id, nil
}

// UniqueTags lists every distinct name/color pair with its usage count,
// ordered by name. A nil userID matches every user.
func (r *Repository) UniqueTags(ctx context.Context, userID *int64) ([]TagUsage, error) {
	query := `SELECT tag_name, tag_color, COUNT(*) FROM tags`
	var args []any
	if userID != nil {
		query += ` WHERE user_id = ?`
		args = append(args, *userID)
	}
	query += ` GROUP BY tag_name, tag_color ORDER BY tag_name`

	var out []TagUsage
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var u TagUsage
			if err := rows.Scan(&u.Name, &u.Color, &u.Count); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

// TagsForTransaction lists the tags on a transaction, newest first.
func (r *Repository) TagsForTransaction(ctx context.Context, transactionID int64, userID *int64) ([]Tag, error) {
	query := `SELECT tag_id, transaction_id, tag_name, tag_color, date_created, user_id
		FROM tags WHERE transaction_id = ?`
	args := []any{transactionID}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY date_created DESC, tag_id DESC`

	var out []Tag
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				t       Tag
				created string
				user    sql.NullInt64
			)
			if err := rows.Scan(&t.ID, &t.TransactionID, &t.Name, &t.Color, &created, &user); err != nil {
				return err
			}
			t.Created = parseTimestamp(created)
			if user.Valid {
				v := user.Int64
				t.UserID = &v
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// TransactionsForTag returns the ids of transactions carrying a tag name,
// ascending. Transaction rows live outside this package, so callers join
// them themselves.
func (r *Repository) TransactionsForTag(ctx context.Context, name string, userID *int64) ([]int64, error) {
	query := `SELECT DISTINCT transaction_id FROM tags WHERE tag_name = ?`
	args := []any{strings.TrimSpace(name)}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY transaction_id`

	var out []int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// RemoveTag deletes a tag. It returns ErrNotFound when no row matched.
func (r *Repository) RemoveTag(ctx context.Context, tagID int64, userID *int64) error {
	query := `DELETE FROM tags WHERE tag_id = ?`
	args := []any{tagID}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("tag %d: %w", tagID, apperrors.ErrNotFound)
		}
		return nil
	})
}

// Timestamps come back as SQLite text or, depending on the driver's
// column-type handling, already formatted as RFC 3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
