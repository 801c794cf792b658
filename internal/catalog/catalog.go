// Package catalog reads targets and sector settings from the read-only SQLite catalog.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/platform/sqlite"
)

// Settings is the optional single-row settings table of a catalog.
type Settings struct {
	Sector          int     `json:"sector"`
	ReferenceTime   float64 `json:"reference_time"`
	CameraCentreRA  float64 `json:"camera_centre_ra"`
	CameraCentreDec float64 `json:"camera_centre_dec"`
}

type Filter struct {
	IDs          []string
	MaxMagnitude float64
	Limit        int
}

type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the catalog file read-only.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Catalog, error) {
	db, err := sqlite.Open(ctx, sqlite.Config{Path: path, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return New(db, logger), nil
}

func New(db *sql.DB, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{db: db, logger: logger}
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

const selectTargets = `SELECT CAST(starid AS TEXT), ra, decl, tmag FROM targets`

// Targets lists catalog targets ordered by identifier.
func (c *Catalog) Targets(ctx context.Context, filter Filter) ([]domain.Target, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("catalog not initialized")
	}
	var (
		where []string
		args  []any
	)
	if ids := trimNonEmpty(filter.IDs); len(ids) > 0 {
		marks := make([]string, len(ids))
		for i, id := range ids {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "CAST(starid AS TEXT) IN ("+strings.Join(marks, ",")+")")
	}
	if filter.MaxMagnitude > 0 {
		where = append(where, "tmag <= ?")
		args = append(args, filter.MaxMagnitude)
	}
	query := selectTargets
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Target, 0)
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.ID, &t.RA, &t.Dec, &t.Magnitude); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("catalog row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// Target returns one target, failing with a missing-data error when the catalog lacks it.
func (c *Catalog) Target(ctx context.Context, id string) (domain.Target, error) {
	targets, err := c.Targets(ctx, Filter{IDs: []string{id}})
	if err != nil {
		return domain.Target{}, err
	}
	if len(targets) == 0 {
		return domain.Target{}, domain.MissingData("target %s not in catalog", id)
	}
	return targets[0], nil
}

// Settings returns the settings row. ok is false when the catalog has no settings table or row.
func (c *Catalog) Settings(ctx context.Context) (Settings, bool, error) {
	if c == nil || c.db == nil {
		return Settings{}, false, errors.New("catalog not initialized")
	}
	var name string
	err := c.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='settings'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("lookup settings table: %w", err)
	}

	var s Settings
	err = c.db.QueryRowContext(ctx, `SELECT sector, reference_time, camera_centre_ra, camera_centre_dec FROM settings LIMIT 1`).
		Scan(&s.Sector, &s.ReferenceTime, &s.CameraCentreRA, &s.CameraCentreDec)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("query settings: %w", err)
	}
	return s, true, nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
