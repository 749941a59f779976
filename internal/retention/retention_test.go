package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeLogs struct {
	before time.Time
	n      int
}

func (f *fakeLogs) ClearLogs(before time.Time) int {
	f.before = before
	return f.n
}

type fakeArchive struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeArchive) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

type fakeMetrics struct {
	purged int
	err    error
	runs   int
}

func (f *fakeMetrics) ObserveRetention(purged int, err error) {
	f.purged, f.err = purged, err
	f.runs++
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestNewRequiresMaxAge(t *testing.T) {
	if _, err := New(&fakeLogs{}, 0); !errors.Is(err, ErrMaxAge) {
		t.Errorf("expected ErrMaxAge, got %v", err)
	}
}

func TestRunOnce(t *testing.T) {
	logs := &fakeLogs{n: 3}
	archive := &fakeArchive{n: 7}
	m := &fakeMetrics{}

	j, err := New(logs, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	j.SetClock(func() time.Time { return fixedNow })
	j.SetArchive(archive)
	j.SetMetrics(m)

	n, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 purged, got %d", n)
	}

	want := fixedNow.Add(-24 * time.Hour)
	if !logs.before.Equal(want) || !archive.before.Equal(want) {
		t.Errorf("expected cutoff %v, got logs=%v archive=%v", want, logs.before, archive.before)
	}
	if m.runs != 1 || m.purged != 10 || m.err != nil {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRunOnceArchiveError(t *testing.T) {
	logs := &fakeLogs{n: 2}
	m := &fakeMetrics{}

	j, _ := New(logs, time.Hour)
	j.SetArchive(&fakeArchive{err: errors.New("db down")})
	j.SetMetrics(m)

	n, err := j.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 2 {
		t.Errorf("in-memory purge should still count, got %d", n)
	}
	if m.err == nil {
		t.Error("expected metrics to see the error")
	}
}

func TestRunOnceWithoutArchive(t *testing.T) {
	j, _ := New(&fakeLogs{n: 4}, time.Hour)
	n, err := j.RunOnce(context.Background())
	if err != nil || n != 4 {
		t.Errorf("got %d, %v", n, err)
	}
}

func TestSchedule(t *testing.T) {
	j, _ := New(&fakeLogs{}, time.Hour)

	c, err := j.Schedule("@every 1h")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("expected one cron entry, got %d", len(c.Entries()))
	}

	if _, err := j.Schedule("not a schedule"); err == nil {
		t.Error("expected error for an invalid spec")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@hourly", "@every 30m", "0 3 * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("%q: unexpected error %v", spec, err)
		}
	}
	if err := ValidateSchedule("61 * * * *"); err == nil {
		t.Error("expected error for minute 61")
	}
}
