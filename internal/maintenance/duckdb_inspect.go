package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// countParquetRows reads the row count of a local Parquet file with DuckDB,
// independently of the decoder that restores snapshots.
func countParquetRows(ctx context.Context, path string) (int64, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet(%s)`, quoteString(path))
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count parquet rows: %w", err)
	}
	return count, nil
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func writeLocalFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return file.Sync()
}
