package gapsreport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type gapsReportRepoPG struct{ conn queryable }

func NewGapsReportRepoPG(pool *pgxpool.Pool) GapsReportRepository {
	return &gapsReportRepoPG{conn: pool}
}

const grCols = `id, patient_reference, measure_url, improvement_notation,
	gap_count, diagnostic_count, bundle_id, bundle, created_at`

// listCols leaves the bundle out of listings.
const listCols = `id, patient_reference, measure_url, improvement_notation,
	gap_count, diagnostic_count, bundle_id, NULL::jsonb, created_at`

func scanRow(row pgx.Row) (*GapsReport, error) {
	var (
		r      GapsReport
		bundle []byte
	)
	err := row.Scan(&r.ID, &r.PatientReference, &r.MeasureURL, &r.ImprovementNotation,
		&r.GapCount, &r.DiagnosticCount, &r.BundleID, &bundle, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Bundle = bundle
	return &r, nil
}

func (r *gapsReportRepoPG) Create(ctx context.Context, gr *GapsReport) error {
	if gr.ID == uuid.Nil {
		gr.ID = uuid.New()
	}
	return r.conn.QueryRow(ctx, `
		INSERT INTO gaps_report (id, patient_reference, measure_url, improvement_notation,
			gap_count, diagnostic_count, bundle_id, bundle)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		gr.ID, gr.PatientReference, gr.MeasureURL, gr.ImprovementNotation,
		gr.GapCount, gr.DiagnosticCount, gr.BundleID, []byte(gr.Bundle),
	).Scan(&gr.CreatedAt)
}

func (r *gapsReportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*GapsReport, error) {
	return scanRow(r.conn.QueryRow(ctx, `SELECT `+grCols+` FROM gaps_report WHERE id = $1`, id))
}

func (r *gapsReportRepoPG) GetByBundleID(ctx context.Context, bundleID string) (*GapsReport, error) {
	return scanRow(r.conn.QueryRow(ctx, `SELECT `+grCols+` FROM gaps_report WHERE bundle_id = $1`, bundleID))
}

func (r *gapsReportRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*GapsReport, int, error) {
	where, args := listWhere(filter)

	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM gaps_report`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count gaps reports: %w", err)
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM gaps_report%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, listCols, where, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list gaps reports: %w", err)
	}
	defer rows.Close()

	var items []*GapsReport
	for rows.Next() {
		gr, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, gr)
	}
	return items, total, rows.Err()
}

// listWhere builds a WHERE clause with positional arguments.
func listWhere(f ListFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Patient != "" {
		args = append(args, f.Patient)
		conds = append(conds, fmt.Sprintf("patient_reference = $%d", len(args)))
	}
	if f.Measure != "" {
		args = append(args, f.Measure)
		conds = append(conds, fmt.Sprintf("measure_url = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
