package storage

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	snapshotDir    = "snapshots"
	snapshotPrefix = "snapshot-"
	snapshotSuffix = ".parquet"
)

var prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// BuildSnapshotPath returns
// <prefix>/snapshots/date=YYYY-MM-DD/snapshot-<unixms>.parquet for a snapshot
// taken at.
func BuildSnapshotPath(prefix string, at time.Time) (string, error) {
	dir, err := SnapshotListPrefix(prefix)
	if err != nil {
		return "", err
	}
	ts := at.UTC()
	return path.Join(
		dir,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s%d%s", snapshotPrefix, ts.UnixMilli(), snapshotSuffix),
	), nil
}

// SnapshotListPrefix is the key prefix under which all snapshots of a queue
// live. It ends in a slash.
func SnapshotListPrefix(prefix string) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid snapshot prefix: %q", prefix)
	}
	return prefix + "/" + snapshotDir + "/", nil
}

// ParseSnapshotTime extracts the capture time from a snapshot key.
func ParseSnapshotTime(key string) (time.Time, error) {
	base := path.Base(key)
	if !strings.HasPrefix(base, snapshotPrefix) || !strings.HasSuffix(base, snapshotSuffix) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSnapshotKey, key)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(base, snapshotPrefix), snapshotSuffix)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSnapshotKey, key)
	}
	return time.UnixMilli(ms).UTC(), nil
}
