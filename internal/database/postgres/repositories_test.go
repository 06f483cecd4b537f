package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestClient connects to HYLO_TEST_POSTGRES_URL and migrates the schema
func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	url := os.Getenv("HYLO_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("HYLO_TEST_POSTGRES_URL not set")
	}

	c, err := NewClient(&Config{URL: url, MaxOpenConns: 2, MaxIdleConns: 1, MaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return c
}

func TestMinerTally_Total(t *testing.T) {
	tally := &MinerTally{Accepted: 2, Rejected: 3, Failed: 4}
	if got := tally.Total(); got != 9 {
		t.Errorf("Total() = %d, want 9", got)
	}
}

func TestRunRepository(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	runs := NewRunRepository(c.DB())

	run := &Run{
		ID:                    uuid.NewString(),
		StartedAt:             time.Now().UTC().Truncate(time.Millisecond),
		TickInterval:          time.Second,
		RosterRefreshInterval: 3 * time.Second,
		Normalization:         5000,
		Ceiling:               0.9,
	}
	if err := runs.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := runs.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() twice error = %v", err)
	}

	stopped := run.StartedAt.Add(time.Minute)
	if err := runs.FinishRun(ctx, run.ID, stopped); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := runs.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.TickInterval != time.Second || got.RosterRefreshInterval != 3*time.Second {
		t.Errorf("intervals = %v, %v", got.TickInterval, got.RosterRefreshInterval)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(stopped) {
		t.Errorf("StoppedAt = %v, want %v", got.StoppedAt, stopped)
	}

	if _, err := runs.GetRun(ctx, uuid.NewString()); err == nil {
		t.Error("GetRun(unknown) error = nil")
	}
}

func TestTallyRepository_AddTallies(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	run := &Run{ID: uuid.NewString(), StartedAt: time.Now(), TickInterval: time.Second, RosterRefreshInterval: time.Second, Normalization: 5000, Ceiling: 0.9}
	if err := NewRunRepository(c.DB()).CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	repo := NewTallyRepository(c.DB())
	block := int64(4)
	settled := time.Now().UTC().Truncate(time.Millisecond)

	batches := [][]*MinerTally{
		{{RunID: run.ID, MinerID: "alice", Accepted: 1, LastBlockIndex: &block, LastSettledAt: &settled}},
		{
			{RunID: run.ID, MinerID: "alice", Rejected: 2, LastSettledAt: &settled},
			{RunID: run.ID, MinerID: "bob", Failed: 1, LastSettledAt: &settled},
		},
	}
	for _, b := range batches {
		if err := repo.AddTallies(ctx, b); err != nil {
			t.Fatalf("AddTallies() error = %v", err)
		}
	}

	got, err := repo.GetTallies(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetTallies() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetTallies() len = %d, want 2", len(got))
	}
	alice := got[0]
	if alice.MinerID != "alice" || alice.Accepted != 1 || alice.Rejected != 2 {
		t.Errorf("alice = %+v", alice)
	}
	if alice.LastBlockIndex == nil || *alice.LastBlockIndex != 4 {
		t.Errorf("alice last block = %v, want 4", alice.LastBlockIndex)
	}
}
