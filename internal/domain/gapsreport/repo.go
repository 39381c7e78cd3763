package gapsreport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a report or bundle does not exist.
var ErrNotFound = errors.New("gaps report not found")

type GapsReportRepository interface {
	Create(ctx context.Context, r *GapsReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*GapsReport, error)
	GetByBundleID(ctx context.Context, bundleID string) (*GapsReport, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*GapsReport, int, error)
}
