package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeSchedule(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write schedule file: %v", err)
	}
	return path
}

const mixedSchedule = `
jobs:
  - frequency: daily
    time: "10:30"
    currency_pair: ETH/USDC
    quote_currency_amount: 50
  - frequency: weekly
    time: "10:30"
    currency_pair: BTC/USDC
    quote_currency_amount: 25
  - frequency: monthly
    day_of_month: 1
    time: "09:00"
    currency_pair: BTC/USDC
    quote_currency_amount: 100
    order_type: market
`

func TestLoad_SkipsInvalidEntries(t *testing.T) {
	path := writeSchedule(t, mixedSchedule)

	jobs, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	// 第二条缺少 day_of_week，应被跳过。
	if len(jobs) != 2 {
		t.Fatalf("expected 2 valid jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "job-1[ETH/USDC]" || jobs[1].ID != "job-3[BTC/USDC]" {
		t.Errorf("unexpected job ids: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestLoadStrict_FailsOnInvalidEntry(t *testing.T) {
	path := writeSchedule(t, mixedSchedule)

	if _, err := LoadStrict(path, zap.NewNop()); err == nil {
		t.Fatalf("expected strict load to fail")
	}
}

func TestLoad_EmptySchedule(t *testing.T) {
	path := writeSchedule(t, "jobs: []\n")

	_, err := Load(path, zap.NewNop())
	if !errors.Is(err, ErrEmptySchedule) {
		t.Fatalf("expected ErrEmptySchedule, got %v", err)
	}
}

func TestLoad_AllEntriesInvalid(t *testing.T) {
	path := writeSchedule(t, `
jobs:
  - frequency: daily
    time: "10:30"
`)

	_, err := Load(path, zap.NewNop())
	if !errors.Is(err, ErrEmptySchedule) {
		t.Fatalf("expected ErrEmptySchedule, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_IgnoresUnknownFields(t *testing.T) {
	path := writeSchedule(t, `
jobs:
  - frequency: once
    time: "08:00"
    currency_pair: ETH/USDC
    quote_currency_amount: 10
    comment: buy the dip
`)

	jobs, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Frequency != FrequencyOnce {
		t.Fatalf("unexpected jobs: %v", jobs)
	}
}
