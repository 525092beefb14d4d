// Package maintenance runs the periodic upkeep of a queue: clearing lapsed
// leases, taking and pruning snapshots, and checking stored snapshots.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leaseq/leaseq/internal/archive"
	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/storage"
)

type Config struct {
	SweepInterval time.Duration
	// SnapshotInterval and IntegrityInterval of zero disable those cycles.
	SnapshotInterval       time.Duration
	IntegrityInterval      time.Duration
	KeepSnapshots          int
	IntegritySnapshotLimit int
}

type Service struct {
	Queue   *queue.Queue
	Archive *archive.Service
	Config  Config
	Logger  *slog.Logger
}

type SweepSummary struct {
	Released  int64 `json:"released"`
	Topics    int   `json:"topics"`
	Available int64 `json:"available"`
}

type SnapshotSummary struct {
	Manifest archive.Manifest `json:"manifest"`
	Pruned   int              `json:"pruned"`
}

type IntegritySummary struct {
	SnapshotsChecked    int `json:"snapshots_checked"`
	MissingFiles        int `json:"missing_files"`
	SizeMismatchFiles   int `json:"size_mismatch_files"`
	RowMismatchFiles    int `json:"row_mismatch_files"`
	OperationalFailures int `json:"operational_failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()
	if s.Queue == nil {
		return fmt.Errorf("queue is required")
	}

	sweepTicker := time.NewTicker(s.Config.SweepInterval)
	defer sweepTicker.Stop()
	snapshotC, stopSnapshots := s.optionalTicker(s.Config.SnapshotInterval)
	defer stopSnapshots()
	integrityC, stopIntegrity := s.optionalTicker(s.Config.IntegrityInterval)
	defer stopIntegrity()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			summary, err := s.RunSweepOnce(ctx)
			if err != nil {
				s.logError(ctx, "lease sweep failed", err, summary)
				continue
			}
			if summary.Released > 0 && s.Logger != nil {
				s.Logger.InfoContext(ctx, "lease sweep completed", slog.Any("summary", summary))
			}
		case <-snapshotC:
			summary, err := s.RunSnapshotOnce(ctx)
			if err != nil {
				s.logError(ctx, "snapshot cycle failed", err, summary)
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "snapshot cycle completed", slog.Any("summary", summary))
			}
		case <-integrityC:
			summary, err := s.RunIntegrityCheckOnce(ctx)
			if err != nil {
				s.logError(ctx, "snapshot integrity check failed", err, summary)
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "snapshot integrity check completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunSweepOnce clears lapsed leases and refreshes the available-messages
// gauge. Backends without ExpiredReleaser only refresh the gauge.
func (s *Service) RunSweepOnce(ctx context.Context) (SweepSummary, error) {
	if s.Queue == nil {
		return SweepSummary{}, fmt.Errorf("queue is required")
	}
	summary := SweepSummary{}

	released, err := s.Queue.ReleaseExpired(ctx)
	switch {
	case errors.Is(err, queue.ErrUnsupported):
	case err != nil:
		leaseSweepsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("release expired leases: %w", err)
	default:
		summary.Released = released
		if released > 0 {
			leasesReleasedTotal.Add(float64(released))
		}
	}

	topics, err := s.Queue.Topics(ctx)
	if err != nil {
		leaseSweepsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("list topics: %w", err)
	}
	counts := make(map[int64]int64, len(topics))
	for _, topic := range topics {
		counts[topic.Topic] = topic.Available
		summary.Available += topic.Available
	}
	summary.Topics = len(topics)
	observability.SetAvailableMessages(counts)

	leaseSweepsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunSnapshotOnce exports a snapshot, then prunes down to KeepSnapshots.
func (s *Service) RunSnapshotOnce(ctx context.Context) (SnapshotSummary, error) {
	s.ensureDefaults()
	if s.Archive == nil {
		return SnapshotSummary{}, fmt.Errorf("archive is required")
	}
	manifest, err := s.Archive.Export(ctx)
	if err != nil {
		return SnapshotSummary{}, err
	}
	summary := SnapshotSummary{Manifest: manifest}
	pruned, err := s.Archive.Prune(ctx, s.Config.KeepSnapshots)
	summary.Pruned = pruned
	if pruned > 0 {
		snapshotsPrunedTotal.Add(float64(pruned))
	}
	if err != nil {
		return summary, fmt.Errorf("prune snapshots: %w", err)
	}
	return summary, nil
}

// RunIntegrityCheckOnce re-reads the newest snapshots and compares their size
// and row count with what was recorded at upload.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.Archive == nil || s.Archive.Store == nil {
		return IntegritySummary{}, fmt.Errorf("archive with object store is required")
	}
	manifests, err := s.Archive.List(ctx)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return IntegritySummary{}, err
	}
	if len(manifests) > s.Config.IntegritySnapshotLimit {
		manifests = manifests[:s.Config.IntegritySnapshotLimit]
	}

	workDir, err := os.MkdirTemp("", "leaseq-integrity-*")
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return IntegritySummary{}, fmt.Errorf("create integrity work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	summary := IntegritySummary{}
	const maxIssueSamples = 20
	issueSamples := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(kind, message string) {
		integrityIssuesTotal.WithLabelValues(kind).Inc()
		issueCount++
		if len(issueSamples) < maxIssueSamples {
			issueSamples = append(issueSamples, message)
		}
	}

	for i, manifest := range manifests {
		summary.SnapshotsChecked++

		info, err := s.Archive.Store.Stat(ctx, manifest.Key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				summary.MissingFiles++
				addIssue("missing", fmt.Sprintf("missing snapshot %s", manifest.Key))
				continue
			}
			summary.OperationalFailures++
			addIssue("operational", fmt.Sprintf("stat snapshot %s: %v", manifest.Key, err))
			continue
		}
		if recorded := archive.RecordedSize(info); recorded >= 0 && recorded != info.Size {
			summary.SizeMismatchFiles++
			addIssue("size_mismatch", fmt.Sprintf("size mismatch for %s (recorded=%d actual=%d)", manifest.Key, recorded, info.Size))
			continue
		}
		if manifest.Rows < 0 {
			continue
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("snapshot-%d.parquet", i))
		rows, err := s.countRows(ctx, manifest.Key, localPath)
		if err != nil {
			summary.OperationalFailures++
			addIssue("operational", fmt.Sprintf("read snapshot %s: %v", manifest.Key, err))
			continue
		}
		if rows != manifest.Rows {
			summary.RowMismatchFiles++
			addIssue("row_mismatch", fmt.Sprintf("row count mismatch for %s (recorded=%d actual=%d)", manifest.Key, manifest.Rows, rows))
		}
	}

	if issueCount > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		extra := issueCount - len(issueSamples)
		if extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issueSamples, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issueSamples, "; "))
	}
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) countRows(ctx context.Context, key, localPath string) (int64, error) {
	reader, err := s.Archive.Store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	err = writeLocalFile(localPath, reader)
	_ = reader.Close()
	if err != nil {
		return 0, fmt.Errorf("write local copy: %w", err)
	}
	return countParquetRows(ctx, localPath)
}

func (s *Service) optionalTicker(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 || s.Archive == nil {
		return nil, func() {}
	}
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

func (s *Service) logError(ctx context.Context, msg string, err error, summary any) {
	if s.Logger == nil {
		return
	}
	s.Logger.ErrorContext(ctx, msg, slog.Any("error", err), slog.Any("summary", summary))
}

func (s *Service) ensureDefaults() {
	if s.Config.SweepInterval <= 0 {
		s.Config.SweepInterval = 30 * time.Second
	}
	if s.Config.KeepSnapshots < 0 {
		s.Config.KeepSnapshots = 0
	}
	if s.Config.IntegritySnapshotLimit <= 0 {
		s.Config.IntegritySnapshotLimit = 5
	}
}
