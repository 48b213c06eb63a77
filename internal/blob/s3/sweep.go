package s3blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Sweep runs one cold-archive pass: rows older than the retention window
// move from the primary store to object storage. It is registered as a
// scheduler task; each Run is one pass.
type Sweep struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewSweep creates a Sweep. A non-positive retention falls back to 30
// days.
func NewSweep(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *Sweep {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Sweep{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_sweep")),
	}
}

// Run archives dead letters and audit rows older than the retention
// cutoff. The two kinds are independent; a failure in one does not stop
// the other.
func (s *Sweep) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	var errs []error
	dead, err := s.archiver.ArchiveDeadLetters(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("dead letters: %w", err))
	}
	audit, err := s.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	if dead > 0 || audit > 0 {
		s.logger.InfoContext(ctx, "archive sweep finished",
			slog.Time("cutoff", cutoff),
			slog.Int64("dead_letters", dead),
			slog.Int64("audit_entries", audit),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("archive sweep: %w", errors.Join(errs...))
	}
	return nil
}
