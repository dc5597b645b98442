package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("empty path should be rejected")
	}
}

func TestSQLiteStore_CreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := NewRun("alanine", "plumed.dat", "gromacs", 22, 0.002)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Name != "alanine" || got.Script != "plumed.dat" || got.MDEngine != "gromacs" {
		t.Errorf("run = %+v", got)
	}
	if got.Natoms != 22 || got.Timestep != 0.002 {
		t.Errorf("system = natoms %d timestep %g", got.Natoms, got.Timestep)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.CompletedAt != nil || got.ExitCode != nil {
		t.Error("fresh run should have no completion fields")
	}
}

func TestSQLiteStore_GetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_FinishRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := NewRun("r", "in.dat", "", 2, 0.001)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	msg := "wall exceeded"
	if err := s.FinishRun(ctx, run.ID, RunStatusFailed, 1, &msg); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit code = %v", got.ExitCode)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("error = %v", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	if err := s.FinishRun(ctx, "nope", RunStatusCompleted, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := NewRun("older", "a.dat", "", 2, 0.001)
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := NewRun("newer", "b.dat", "", 2, 0.001)

	for _, r := range []*Run{older, newer} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].Name != "newer" || runs[1].Name != "older" {
		t.Errorf("runs = %v, %v", runs[0].Name, runs[1].Name)
	}

	page, err := s.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Name != "older" {
		t.Errorf("page = %+v", page)
	}
}

func TestSQLiteStore_RecordAndListSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := NewRun("r", "in.dat", "", 2, 0.001)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	for step := int64(0); step < 3; step++ {
		sample := &StepSample{
			RunID:      run.ID,
			Step:       step,
			Bias:       float64(step) * 10,
			Active:     step%2 == 0,
			Outputs:    `{"d1": 2.0}`,
			RecordedAt: time.Now().UTC(),
		}
		if err := s.RecordStep(ctx, sample); err != nil {
			t.Fatalf("RecordStep(%d): %v", step, err)
		}
	}

	samples, err := s.Steps(ctx, run.ID, 100, 0)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	for i, sm := range samples {
		if sm.Step != int64(i) {
			t.Errorf("samples out of order: %d at %d", sm.Step, i)
		}
	}
	if samples[1].Bias != 10 || samples[1].Active {
		t.Errorf("sample 1 = %+v", samples[1])
	}

	n, err := s.CountSteps(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d", n)
	}
}

func TestSQLiteStore_RecordStep_ReplaceIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := NewRun("r", "in.dat", "", 2, 0.001)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	first := &StepSample{RunID: run.ID, Step: 5, Bias: 1, RecordedAt: time.Now().UTC()}
	second := &StepSample{RunID: run.ID, Step: 5, Bias: 2, RecordedAt: time.Now().UTC()}
	if err := s.RecordStep(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordStep(ctx, second); err != nil {
		t.Fatal(err)
	}

	samples, err := s.Steps(ctx, run.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].Bias != 2 {
		t.Errorf("samples = %+v, want one replaced row", samples)
	}
}

func TestSQLiteStore_DeleteRun_CascadesSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := NewRun("r", "in.dat", "", 2, 0.001)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordStep(ctx, &StepSample{RunID: run.ID, Step: 0, RecordedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	n, err := s.CountSteps(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("steps survived the cascade: %d", n)
	}

	if err := s.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
