package queue

import "testing"

func TestTableName(t *testing.T) {
	got, err := TableName("jobs")
	if err != nil {
		t.Fatalf("TableName() error = %v", err)
	}
	if got != "jobs_queue" {
		t.Fatalf("TableName() = %q", got)
	}
	for _, bad := range []string{"", "1jobs", "jobs-queue", "jobs;drop", `jobs"x`} {
		if _, err := TableName(bad); err == nil {
			t.Fatalf("TableName(%q) expected error", bad)
		}
	}
}
