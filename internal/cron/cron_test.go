package cron_test

import (
	"testing"
	"time"

	"github.com/basket/orchestrator/internal/cron"
)

func TestNextRunTime_QuarterHourBoundaries(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 45, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}

	cur := after
	for i, w := range want {
		next, err := cron.NextRunTime("*/15 * * * *", cur)
		if err != nil {
			t.Fatalf("NextRunTime: %v", err)
		}
		if !next.Equal(w) {
			t.Fatalf("step %d: expected %v, got %v", i, w, next)
		}
		cur = next
	}
}

func TestNextRunTime_InvalidExpression(t *testing.T) {
	if _, err := cron.NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestIsoMinute_Format(t *testing.T) {
	ts := time.Date(2026, 3, 5, 9, 7, 42, 0, time.UTC)
	if got := cron.IsoMinute(ts); got != "2026-03-05T09:07" {
		t.Fatalf("unexpected iso-minute: %s", got)
	}
}

func TestIsoMinute_DistinctMinutesDiffer(t *testing.T) {
	a := cron.IsoMinute(time.Date(2026, 3, 5, 9, 7, 0, 0, time.UTC))
	b := cron.IsoMinute(time.Date(2026, 3, 5, 9, 8, 0, 0, time.UTC))
	if a == b {
		t.Fatal("expected distinct iso-minute buckets for different minutes")
	}
}
