package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testPrices() PriceTable {
	return PriceTable{
		"default": {InputPerMillion: 3, OutputPerMillion: 15},
	}
}

func TestRecordUpdatesAggregates(t *testing.T) {
	l := New("", 100, time.Second, testPrices())
	l.Record("model-a", 1, 100, 50, "key-1", "1.2.3.4", "")
	l.Record("model-a", 2, 200, 75, "key-2", "1.2.3.4", "")

	stats := l.GetStats()
	if stats.Global.Requests != 2 {
		t.Fatalf("global requests = %d", stats.Global.Requests)
	}
	if stats.ByCredential[1].InputTokens != 100 {
		t.Fatalf("by-credential[1] input = %d", stats.ByCredential[1].InputTokens)
	}
	if stats.ByModel["model-a"].Requests != 2 {
		t.Fatalf("by-model requests = %d", stats.ByModel["model-a"].Requests)
	}
	if stats.ByAPIKey["key-1"].OutputTokens != 50 {
		t.Fatalf("by-api-key output = %d", stats.ByAPIKey["key-1"].OutputTokens)
	}
}

func TestRingBufferCapsAtCapacity(t *testing.T) {
	l := New("", 3, time.Second, testPrices())
	for i := 0; i < 5; i++ {
		l.Record("m", 1, 1, 1, "k", "", "")
	}
	_, recs := l.GetStatsForAPIKey("k")
	if len(recs) != 3 {
		t.Fatalf("ring held %d records, want capacity 3", len(recs))
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")

	l := New(path, 10, time.Second, testPrices())
	l.Record("model-a", 1, 100, 50, "key-1", "", "")
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	l2 := New(path, 10, time.Second, testPrices())
	if err := l2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	stats := l2.GetStats()
	if stats.Global.Requests != 1 {
		t.Fatalf("loaded requests = %d", stats.Global.Requests)
	}
}

func TestGetTimeseriesWeekBucketsOnISOMonday(t *testing.T) {
	l := New("", 100, time.Second, testPrices())
	// 2026-07-29 is a Wednesday; its ISO week starts Monday 2026-07-27.
	now := time.Date(2026, 7, 29, 15, 0, 0, 0, time.UTC)
	l.Record("m", 1, 10, 5, "", "", "")

	buckets := l.GetTimeseries(GranularityWeek, now)
	if len(buckets) != 12 {
		t.Fatalf("bucket count = %d, want 12", len(buckets))
	}
	last := buckets[len(buckets)-1]
	if last.Start.Weekday() != time.Monday {
		t.Fatalf("last bucket start = %v, want Monday", last.Start.Weekday())
	}
	if last.Start.Hour() != 0 {
		t.Fatalf("last bucket start hour = %d, want 0", last.Start.Hour())
	}
}

func TestTruncateWeekSundayBucketsToPrecedingMonday(t *testing.T) {
	// A Sunday mid-morning belongs to the ISO week that began the previous
	// Monday at 00:00 UTC.
	sunday := time.Date(2026, 2, 15, 10, 40, 31, 0, time.UTC)
	want := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	if got := truncate(sunday, GranularityWeek); !got.Equal(want) {
		t.Fatalf("truncate(%v, week) = %v, want %v", sunday, got, want)
	}

	monday := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	if got := truncate(monday, GranularityWeek); !got.Equal(monday) {
		t.Fatalf("truncate(%v, week) = %v, want itself", monday, got)
	}
}

func TestMaybeSnapshotRespectsDebounce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")
	l := New(path, 10, time.Hour, testPrices())

	l.Record("m", 1, 1, 1, "", "", "")
	if err := l.MaybeSnapshot(); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}

	l.Record("m", 1, 1, 1, "", "", "")
	if err := l.MaybeSnapshot(); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	info2, _ := os.Stat(path)
	if info1.ModTime() != info2.ModTime() {
		t.Fatalf("debounce window did not suppress second write")
	}
}
