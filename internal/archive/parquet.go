package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/leaseq/leaseq/internal/queue"
)

type snapshotRow struct {
	ID              int64  `parquet:"id"`
	Topic           int64  `parquet:"topic"`
	Payload         []byte `parquet:"payload"`
	Leased          bool   `parquet:"leased"`
	CreatedAtUnixNs int64  `parquet:"created_at_unix_ns"`
}

func toSnapshotRow(row queue.Row) snapshotRow {
	return snapshotRow{
		ID:              row.ID,
		Topic:           row.Topic,
		Payload:         row.Payload,
		Leased:          row.Leased(),
		CreatedAtUnixNs: row.CreatedAt.UnixNano(),
	}
}

// snapshotWriter streams pages of rows into one Parquet file.
type snapshotWriter struct {
	buf    *bytes.Buffer
	writer *parquet.GenericWriter[snapshotRow]
	rows   int64
}

func newSnapshotWriter() *snapshotWriter {
	buf := bytes.NewBuffer(nil)
	return &snapshotWriter{buf: buf, writer: parquet.NewGenericWriter[snapshotRow](buf)}
}

func (w *snapshotWriter) Write(rows []queue.Row) error {
	if len(rows) == 0 {
		return nil
	}
	page := make([]snapshotRow, 0, len(rows))
	for _, row := range rows {
		page = append(page, toSnapshotRow(row))
	}
	if _, err := w.writer.Write(page); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	w.rows += int64(len(page))
	return nil
}

func (w *snapshotWriter) Close() ([]byte, error) {
	if err := w.writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return w.buf.Bytes(), nil
}

func decodeSnapshot(data []byte) ([]snapshotRow, error) {
	reader := parquet.NewGenericReader[snapshotRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]snapshotRow, reader.NumRows())
	read := 0
	for read < len(rows) {
		n, err := reader.Read(rows[read:])
		read += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rows[:read], nil
}
