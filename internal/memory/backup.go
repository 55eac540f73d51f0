package memory

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spotty118/mattthinking/internal/observability"
)

// backupSchemaVersion guards against restoring archives written by an
// incompatible layout.
const backupSchemaVersion = 1

// BackupMetadata is the archive manifest.
type BackupMetadata struct {
	SchemaVersion int       `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	MemoryCount   int       `json:"memory_count"`
	TraceCount    int       `json:"trace_count"`
	Incremental   bool      `json:"incremental"`
	Checksum      string    `json:"checksum"` // sha256 over memories.json

	// verifyChecksum is the checksum recomputed while reading an archive.
	verifyChecksum string
}

// BackupResult reports what an archive captured.
type BackupResult struct {
	Path     string         `json:"path"`
	Metadata BackupMetadata `json:"metadata"`
}

// Backup writes a tar.gz archive of a workspace (or the whole store) holding
// metadata.json, memories.json, and traces.json. Incremental mode captures
// only records newer than the previous archive at the same path.
func (c *Core) Backup(ctx context.Context, path, workspaceID string, incremental bool) (BackupResult, error) {
	log := observability.LoggerWithTrace(ctx)

	var since time.Time
	if incremental {
		if prev, err := readArchiveMetadata(path); err == nil {
			since = prev.Timestamp
		}
	}

	f := Filter{WorkspaceID: workspaceID}
	records, err := c.store.Scan(ctx, f)
	if err != nil {
		return BackupResult{}, err
	}

	var memories []json.RawMessage
	var traces []json.RawMessage
	for _, r := range records {
		if !since.IsZero() && !r.Timestamp.After(since) {
			continue
		}
		switch r.Kind {
		case KindMemory:
			memories = append(memories, json.RawMessage(r.Payload))
		case KindTrace:
			traces = append(traces, json.RawMessage(r.Payload))
		}
	}

	memoriesJSON, err := json.Marshal(memories)
	if err != nil {
		return BackupResult{}, fmt.Errorf("memory: marshal backup memories: %w", err)
	}
	tracesJSON, err := json.Marshal(traces)
	if err != nil {
		return BackupResult{}, fmt.Errorf("memory: marshal backup traces: %w", err)
	}

	sum := sha256.Sum256(memoriesJSON)
	meta := BackupMetadata{
		SchemaVersion: backupSchemaVersion,
		Timestamp:     time.Now().UTC(),
		WorkspaceID:   workspaceID,
		MemoryCount:   len(memories),
		TraceCount:    len(traces),
		Incremental:   incremental,
		Checksum:      hex.EncodeToString(sum[:]),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return BackupResult{}, fmt.Errorf("memory: marshal backup metadata: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return BackupResult{}, fmt.Errorf("memory: create backup %s: %w", path, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"metadata.json", metaJSON},
		{"memories.json", memoriesJSON},
		{"traces.json", tracesJSON},
	} {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0o644,
			Size:    int64(len(entry.data)),
			ModTime: meta.Timestamp,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return BackupResult{}, fmt.Errorf("memory: write backup header %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return BackupResult{}, fmt.Errorf("memory: write backup entry %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return BackupResult{}, fmt.Errorf("memory: finalize backup tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return BackupResult{}, fmt.Errorf("memory: finalize backup gzip: %w", err)
	}

	log.Info().
		Str("path", path).
		Int("memories", meta.MemoryCount).
		Int("traces", meta.TraceCount).
		Msg("memory_backup_complete")
	return BackupResult{Path: path, Metadata: meta}, nil
}

// readArchive extracts the three archive entries.
func readArchive(path string) (BackupMetadata, []json.RawMessage, []json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return BackupMetadata{}, nil, nil, fmt.Errorf("memory: open backup %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return BackupMetadata{}, nil, nil, fmt.Errorf("memory: read backup gzip: %w", err)
	}
	defer gz.Close()

	var meta BackupMetadata
	var memories, traces []json.RawMessage
	var sawMeta, sawMemories bool

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return BackupMetadata{}, nil, nil, fmt.Errorf("memory: read backup tar: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return BackupMetadata{}, nil, nil, fmt.Errorf("memory: read backup entry %s: %w", hdr.Name, err)
		}
		switch hdr.Name {
		case "metadata.json":
			if err := json.Unmarshal(data, &meta); err != nil {
				return BackupMetadata{}, nil, nil, fmt.Errorf("memory: parse backup metadata: %w", err)
			}
			sawMeta = true
		case "memories.json":
			sum := sha256.Sum256(data)
			if err := json.Unmarshal(data, &memories); err != nil {
				return BackupMetadata{}, nil, nil, fmt.Errorf("memory: parse backup memories: %w", err)
			}
			sawMemories = true
			meta.verifyChecksum = hex.EncodeToString(sum[:])
		case "traces.json":
			if err := json.Unmarshal(data, &traces); err != nil {
				return BackupMetadata{}, nil, nil, fmt.Errorf("memory: parse backup traces: %w", err)
			}
		}
	}

	if !sawMeta || !sawMemories {
		return BackupMetadata{}, nil, nil, fmt.Errorf("memory: backup %s is missing required entries", path)
	}
	return meta, memories, traces, nil
}

func readArchiveMetadata(path string) (BackupMetadata, error) {
	meta, _, _, err := readArchive(path)
	return meta, err
}

// Validate checks archive integrity: schema version and checksum.
func (c *Core) Validate(path string) (BackupMetadata, error) {
	meta, memories, _, err := readArchive(path)
	if err != nil {
		return BackupMetadata{}, err
	}
	if meta.SchemaVersion != backupSchemaVersion {
		return BackupMetadata{}, fmt.Errorf("memory: unsupported backup schema version %d", meta.SchemaVersion)
	}
	if meta.verifyChecksum != meta.Checksum {
		return BackupMetadata{}, fmt.Errorf("memory: backup checksum mismatch")
	}
	if meta.MemoryCount != len(memories) {
		return BackupMetadata{}, fmt.Errorf("memory: backup memory count mismatch: manifest %d, archive %d", meta.MemoryCount, len(memories))
	}
	return meta, nil
}

// RestoreResult reports what a restore applied.
type RestoreResult struct {
	WorkspaceID      string `json:"workspace_id"`
	RestoredMemories int    `json:"restored_memories"`
	RestoredTraces   int    `json:"restored_traces"`
}

// Restore loads an archive back into the store. A non-empty targetWorkspace
// remaps every record; without overwrite the restore refuses when the target
// workspace already holds records.
func (c *Core) Restore(ctx context.Context, path, targetWorkspace string, overwrite bool) (RestoreResult, error) {
	meta, memoriesRaw, tracesRaw, err := readArchive(path)
	if err != nil {
		return RestoreResult{}, err
	}
	if meta.SchemaVersion != backupSchemaVersion {
		return RestoreResult{}, fmt.Errorf("memory: unsupported backup schema version %d", meta.SchemaVersion)
	}
	if meta.verifyChecksum != meta.Checksum {
		return RestoreResult{}, fmt.Errorf("memory: backup checksum mismatch")
	}

	workspace := targetWorkspace
	if workspace == "" {
		workspace = meta.WorkspaceID
	}
	if workspace != "" && !overwrite {
		n, err := c.store.Count(ctx, Filter{WorkspaceID: workspace})
		if err != nil {
			return RestoreResult{}, err
		}
		if n > 0 {
			return RestoreResult{}, fmt.Errorf("memory: workspace %s already holds %d records; pass overwrite to replace", workspace, n)
		}
	}

	var records []Record
	for _, raw := range memoriesRaw {
		var m Memory
		if err := json.Unmarshal(raw, &m); err != nil {
			return RestoreResult{}, fmt.Errorf("memory: parse archived memory: %w", err)
		}
		if targetWorkspace != "" {
			m.WorkspaceID = targetWorkspace
		}
		r, err := MemoryRecord(&m)
		if err != nil {
			return RestoreResult{}, err
		}
		records = append(records, r)
	}
	var traceCount int
	for _, raw := range tracesRaw {
		var t Trace
		if err := json.Unmarshal(raw, &t); err != nil {
			return RestoreResult{}, fmt.Errorf("memory: parse archived trace: %w", err)
		}
		if targetWorkspace != "" {
			t.WorkspaceID = targetWorkspace
		}
		r, err := TraceRecord(&t)
		if err != nil {
			return RestoreResult{}, err
		}
		records = append(records, r)
		traceCount++
	}

	if err := c.store.Upsert(ctx, records); err != nil {
		return RestoreResult{}, err
	}

	observability.LoggerWithTrace(ctx).Info().
		Str("path", path).
		Str("workspace_id", workspace).
		Int("memories", len(memoriesRaw)).
		Int("traces", traceCount).
		Msg("memory_restore_complete")
	return RestoreResult{
		WorkspaceID:      workspace,
		RestoredMemories: len(memoriesRaw),
		RestoredTraces:   traceCount,
	}, nil
}
