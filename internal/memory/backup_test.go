package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func seededCore(t *testing.T) (*Core, string) {
	t.Helper()
	core := newTestCore(t)
	ctx := context.Background()

	trace := NewTrace(wsOne, "seed task")
	trace.Outcome = OutcomeSuccess
	if _, err := core.StoreTrace(ctx, trace, []*Memory{
		validLearning("b1", wsOne, trace.TraceID),
		validLearning("b2", wsOne, trace.TraceID),
	}); err != nil {
		t.Fatal(err)
	}
	return core, trace.TraceID
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	core, _ := seededCore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws1.tar.gz")

	result, err := core.Backup(ctx, path, wsOne, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Metadata.MemoryCount != 2 || result.Metadata.TraceCount != 1 {
		t.Fatalf("backup metadata = %+v", result.Metadata)
	}

	if _, err := core.Validate(path); err != nil {
		t.Fatalf("fresh archive failed validation: %v", err)
	}

	restored := newTestCore(t)
	res, err := restored.Restore(ctx, path, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.RestoredMemories != 2 || res.RestoredTraces != 1 {
		t.Fatalf("restore = %+v", res)
	}

	// Round-trip: statistics of the restored workspace match backup time.
	origStats, _ := core.Statistics(ctx, wsOne)
	newStats, _ := restored.Statistics(ctx, wsOne)
	if origStats.Traces != newStats.Traces || origStats.Memories != newStats.Memories {
		t.Fatalf("round-trip stats differ: %+v vs %+v", origStats, newStats)
	}

	// The same query retrieves the same memories after restore.
	before, _, err := core.Retrieve(ctx, "lesson", wsOne, 5, RetrieveOpts{})
	if err != nil {
		t.Fatal(err)
	}
	after, _, err := restored.Retrieve(ctx, "lesson", wsOne, 5, RetrieveOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("retrieval differs after restore: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Memory.ID != after[i].Memory.ID {
			t.Fatalf("ordering changed after restore at %d: %s vs %s", i, before[i].Memory.ID, after[i].Memory.ID)
		}
	}
}

func TestRestoreIntoTargetWorkspace(t *testing.T) {
	core, _ := seededCore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws1.tar.gz")

	if _, err := core.Backup(ctx, path, wsOne, false); err != nil {
		t.Fatal(err)
	}

	res, err := core.Restore(ctx, path, wsTwo, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.WorkspaceID != wsTwo {
		t.Fatalf("restored into %s, want %s", res.WorkspaceID, wsTwo)
	}
	stats, _ := core.Statistics(ctx, wsTwo)
	if stats.Memories != 2 {
		t.Fatalf("target workspace memories = %d, want 2", stats.Memories)
	}
}

func TestRestoreRefusesWithoutOverwrite(t *testing.T) {
	core, _ := seededCore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws1.tar.gz")

	if _, err := core.Backup(ctx, path, wsOne, false); err != nil {
		t.Fatal(err)
	}

	// wsOne already holds records; restoring into it without overwrite refuses.
	if _, err := core.Restore(ctx, path, wsOne, false); err == nil {
		t.Fatal("restore into a populated workspace must require overwrite")
	}
	if _, err := core.Restore(ctx, path, wsOne, true); err != nil {
		t.Fatalf("overwrite restore failed: %v", err)
	}
}

func TestValidateRejectsMissingArchive(t *testing.T) {
	core, _ := seededCore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ws1.tar.gz")

	if _, err := core.Backup(ctx, path, wsOne, false); err != nil {
		t.Fatal(err)
	}

	if _, err := core.Validate(filepath.Join(dir, "missing.tar.gz")); err == nil {
		t.Fatal("validating a missing archive must fail")
	}
	if _, err := core.Validate(path); err != nil {
		t.Fatal(err)
	}
}

func TestIncrementalBackupSkipsOldRecords(t *testing.T) {
	core, _ := seededCore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "inc.tar.gz")

	if _, err := core.Backup(ctx, path, wsOne, false); err != nil {
		t.Fatal(err)
	}

	// Nothing new since the full backup: the incremental pass captures zero.
	result, err := core.Backup(ctx, path, wsOne, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Metadata.MemoryCount != 0 || result.Metadata.TraceCount != 0 {
		t.Fatalf("incremental backup captured %+v, want nothing", result.Metadata)
	}
	if !result.Metadata.Incremental {
		t.Fatal("incremental flag must be recorded")
	}
	if !strings.HasSuffix(result.Path, "inc.tar.gz") {
		t.Fatalf("unexpected path %s", result.Path)
	}
}
