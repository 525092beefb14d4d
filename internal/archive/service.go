// Package archive exports the queue table to Parquet snapshots in an object
// store and restores them.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/storage"
)

const (
	exportPageSize  = 500
	importBatchSize = 500
	contentType     = "application/vnd.apache.parquet"

	MetadataRows   = "leaseq-rows"
	MetadataLeased = "leaseq-leased"
	MetadataSize   = "leaseq-size-bytes"
)

type Manifest struct {
	Key       string    `json:"key"`
	Rows      int64     `json:"rows"`
	Leased    int64     `json:"leased"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	Queue  *queue.Queue
	Store  storage.ObjectStore
	Prefix string
	Logger *slog.Logger
	Clock  func() time.Time
}

// Export writes every stored row, leased ones included, to a new snapshot
// object. Rows put while the export pages through the table may or may not be
// included.
func (s *Service) Export(ctx context.Context) (Manifest, error) {
	if err := s.check(); err != nil {
		return Manifest{}, err
	}
	manifest, err := s.export(ctx)
	if err != nil {
		snapshotsTotal.WithLabelValues("export", "failed").Inc()
		return Manifest{}, err
	}
	snapshotsTotal.WithLabelValues("export", "completed").Inc()
	snapshotRowsTotal.WithLabelValues("export").Add(float64(manifest.Rows))
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "snapshot exported",
			slog.String("key", manifest.Key),
			slog.Int64("rows", manifest.Rows),
			slog.Int64("leased", manifest.Leased),
			slog.Int64("size_bytes", manifest.SizeBytes),
		)
	}
	return manifest, nil
}

func (s *Service) export(ctx context.Context) (Manifest, error) {
	at := s.now()
	key, err := storage.BuildSnapshotPath(s.Prefix, at)
	if err != nil {
		return Manifest{}, err
	}

	writer := newSnapshotWriter()
	var (
		afterID int64
		leased  int64
	)
	for {
		rows, err := s.Queue.Scan(ctx, afterID, exportPageSize)
		if err != nil {
			return Manifest{}, fmt.Errorf("scan queue rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.Leased() {
				leased++
			}
		}
		if err := writer.Write(rows); err != nil {
			return Manifest{}, err
		}
		afterID = rows[len(rows)-1].ID
		if len(rows) < exportPageSize {
			break
		}
	}
	data, err := writer.Close()
	if err != nil {
		return Manifest{}, err
	}

	_, err = s.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			MetadataRows:   strconv.FormatInt(writer.rows, 10),
			MetadataLeased: strconv.FormatInt(leased, 10),
			MetadataSize:   strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("upload snapshot: %w", err)
	}
	return Manifest{
		Key:       key,
		Rows:      writer.rows,
		Leased:    leased,
		SizeBytes: int64(len(data)),
		CreatedAt: at.UTC(),
	}, nil
}

// Import re-puts every row of the snapshot at key as a new, unleased message.
// Per-topic order follows the original ids; new ids are assigned.
func (s *Service) Import(ctx context.Context, key string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	restored, err := s.importSnapshot(ctx, key)
	if err != nil {
		snapshotsTotal.WithLabelValues("import", "failed").Inc()
		if restored > 0 {
			snapshotRowsTotal.WithLabelValues("import").Add(float64(restored))
		}
		return restored, err
	}
	snapshotsTotal.WithLabelValues("import", "completed").Inc()
	snapshotRowsTotal.WithLabelValues("import").Add(float64(restored))
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "snapshot imported", slog.String("key", key), slog.Int64("rows", restored))
	}
	return restored, nil
}

func (s *Service) importSnapshot(ctx context.Context, key string) (int64, error) {
	if _, err := storage.ParseSnapshotTime(key); err != nil {
		return 0, err
	}
	reader, err := s.Store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("download snapshot %q: %w", key, err)
	}
	data, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil {
		return 0, fmt.Errorf("read snapshot %q: %w", key, err)
	}
	rows, err := decodeSnapshot(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot %q: %w", key, err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	topics := make([]int64, 0)
	byTopic := make(map[int64][][]byte)
	for _, row := range rows {
		if _, ok := byTopic[row.Topic]; !ok {
			topics = append(topics, row.Topic)
		}
		byTopic[row.Topic] = append(byTopic[row.Topic], row.Payload)
	}

	var restored int64
	for _, topic := range topics {
		payloads := byTopic[topic]
		for start := 0; start < len(payloads); start += importBatchSize {
			end := min(start+importBatchSize, len(payloads))
			ids, err := s.Queue.PutBatch(ctx, topic, payloads[start:end])
			restored += int64(len(ids))
			if err != nil {
				return restored, fmt.Errorf("restore topic %d: %w", topic, err)
			}
		}
	}
	return restored, nil
}

// List returns the queue's snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]Manifest, error) {
	if s.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	listPrefix, err := storage.SnapshotListPrefix(s.Prefix)
	if err != nil {
		return nil, err
	}
	objects, err := s.Store.List(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	manifests := make([]Manifest, 0, len(objects))
	for _, obj := range objects {
		createdAt, err := storage.ParseSnapshotTime(obj.Key)
		if err != nil {
			continue
		}
		manifests = append(manifests, Manifest{
			Key:       obj.Key,
			Rows:      metadataInt(obj.Metadata, MetadataRows),
			Leased:    metadataInt(obj.Metadata, MetadataLeased),
			SizeBytes: obj.Size,
			CreatedAt: createdAt,
		})
	}
	sort.SliceStable(manifests, func(i, j int) bool { return manifests[i].CreatedAt.After(manifests[j].CreatedAt) })
	return manifests, nil
}

// Prune deletes all but the newest keep snapshots. keep <= 0 keeps all.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	manifests, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(manifests) <= keep {
		return 0, nil
	}
	deleted := 0
	for _, manifest := range manifests[keep:] {
		if err := s.Store.Delete(ctx, manifest.Key); err != nil {
			return deleted, fmt.Errorf("delete snapshot %q: %w", manifest.Key, err)
		}
		deleted++
	}
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "snapshots pruned", slog.Int("deleted", deleted), slog.Int("kept", keep))
	}
	return deleted, nil
}

func (s *Service) check() error {
	if s.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if s.Store == nil {
		return fmt.Errorf("object store is required")
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

// RecordedSize is the object size noted at upload, or -1.
func RecordedSize(info storage.ObjectInfo) int64 {
	return metadataInt(info.Metadata, MetadataSize)
}

// metadataInt returns -1 when the value is missing, as for objects written
// by another tool.
func metadataInt(metadata map[string]string, key string) int64 {
	raw, ok := metadata[key]
	if !ok {
		return -1
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return value
}
