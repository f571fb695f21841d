package rlimit

import "testing"

func TestDataDirUsageReportsMountStats(t *testing.T) {
	used, total, err := DataDirUsage(t.TempDir())
	if err != nil {
		t.Fatalf("DataDirUsage: %v", err)
	}
	if total == 0 {
		t.Fatal("expected nonzero total filesystem bytes")
	}
	if used > total {
		t.Fatalf("used (%d) exceeds total (%d)", used, total)
	}
}
