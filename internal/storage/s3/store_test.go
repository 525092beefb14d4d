package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/storage"
)

func TestPutPlacesKeyUnderRoot(t *testing.T) {
	fake := newFakeBucket()
	store := newWithAPI(fake, "/leaseq/prod/")

	info, err := store.Put(context.Background(), "/leaseq/snapshots/date=2026-01-01/snapshot-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata:    map[string]string{"leaseq-rows": "3"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["leaseq/prod/leaseq/snapshots/date=2026-01-01/snapshot-1.parquet"]; !ok {
		t.Fatalf("stored keys = %v", fake.keys())
	}
	if info.Key != "leaseq/snapshots/date=2026-01-01/snapshot-1.parquet" {
		t.Fatalf("Put() key = %q, want key relative to root", info.Key)
	}
	if info.Metadata["leaseq-rows"] != "3" {
		t.Fatalf("Put() metadata = %v", info.Metadata)
	}
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	store := newWithAPI(newFakeBucket(), "root")
	for _, key := range []string{"../secrets.txt", "a/../../b", "", "  "} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
	if _, err := store.List(context.Background(), "../other"); err == nil {
		t.Fatal("List() expected validation error")
	}
}

func TestGetAndStatMapMissingObject(t *testing.T) {
	store := newWithAPI(newFakeBucket(), "")
	if _, err := store.Get(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
	if _, err := store.Stat(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v, want ErrObjectNotFound", err)
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	store := newWithAPI(newFakeBucket(), "")
	if err := store.Delete(context.Background(), "missing/file.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestListReturnsSortedRelativeKeys(t *testing.T) {
	fake := newFakeBucket()
	store := newWithAPI(fake, "root")
	ctx := context.Background()
	for _, key := range []string{"q/snapshots/b.parquet", "q/snapshots/a.parquet", "other/c.parquet"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), 1, storage.PutOptions{}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	objects, err := store.List(ctx, "q/snapshots/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "q/snapshots/a.parquet" || objects[1].Key != "q/snapshots/b.parquet" {
		t.Fatalf("List() = %+v", objects)
	}
	if fake.lastListPrefix != "root/q/snapshots/" {
		t.Fatalf("list prefix = %q, want root/q/snapshots/", fake.lastListPrefix)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := newFakeBucket()
	store := newWithAPI(fake, "")
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.createdRegion != "us-east-1" {
		t.Fatalf("created region = %q, want us-east-1", fake.createdRegion)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: true},
		{raw: "localhost:9000", wantHost: "localhost:9000"},
		{raw: "ftp://minio", wantErr: true},
		{raw: " ", wantErr: true},
	}
	for _, tc := range tests {
		host, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if host != tc.wantHost || secure != tc.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v, want %q/%v", tc.raw, host, secure, tc.wantHost, tc.wantSecure)
		}
	}
}

type fakeObject struct {
	body     []byte
	metadata map[string]string
}

type fakeBucket struct {
	objects        map[string]fakeObject
	exists         bool
	createdRegion  string
	lastListPrefix string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string]fakeObject{}}
}

func (f *fakeBucket) keys() []string {
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func (f *fakeBucket) PutObject(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = fakeObject{body: raw, metadata: opts.Metadata}
	return storage.ObjectInfo{Key: key, Size: int64(len(raw)), ETag: "etag", Metadata: opts.Metadata}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, key string) (io.ReadCloser, error) {
	obj, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *fakeBucket) StatObject(_ context.Context, key string) (storage.ObjectInfo, error) {
	obj, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: time.Now().UTC(), Metadata: obj.metadata}, nil
}

func (f *fakeBucket) RemoveObject(_ context.Context, key string) error {
	if _, ok := f.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBucket) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	f.lastListPrefix = prefix
	out := make([]storage.ObjectInfo, 0)
	for key, obj := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(obj.body)), Metadata: obj.metadata})
		}
	}
	return out, nil
}

func (f *fakeBucket) Exists(_ context.Context) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) Create(_ context.Context, region string) error {
	f.createdRegion = region
	f.exists = true
	return nil
}
