package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/diffmerge"
	"github.com/celebichrono/celebi/internal/graph"
	"github.com/celebichrono/celebi/internal/impression"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DBFile))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func entry(s string) impression.Entry {
	own := cas.SumB3([]byte(s))
	return impression.Entry{OwnDigest: own, Impression: impression.Compute(own, nil)}
}

func TestImpressions(t *testing.T) {
	db := openTemp(t)

	snap, err := db.LoadImpressions()
	if err != nil {
		t.Fatalf("LoadImpressions failed: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty cache, got %d entries", len(snap))
	}

	updated := impression.Snapshot{"a": entry("a"), "b": entry("b"), "c": entry("c")}
	if err := db.ApplyImpressions(updated, nil); err != nil {
		t.Fatalf("ApplyImpressions failed: %v", err)
	}

	b2 := entry("b2")
	b2.Deps = []cas.Hash{updated["a"].Impression}
	if err := db.ApplyImpressions(impression.Snapshot{"b": b2}, []graph.NodeID{"c", "never-existed"}); err != nil {
		t.Fatalf("ApplyImpressions failed: %v", err)
	}

	snap, err = db.LoadImpressions()
	if err != nil {
		t.Fatalf("LoadImpressions failed: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if !snap["a"].Equal(updated["a"]) {
		t.Errorf("entry a changed: %+v", snap["a"])
	}
	if !snap["b"].Equal(b2) {
		t.Errorf("entry b not updated: %+v", snap["b"])
	}
	if _, ok := snap["c"]; ok {
		t.Error("entry c should be deleted")
	}
}

func TestMergeRecords(t *testing.T) {
	db := openTemp(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ids := []string{"11111111-aaaa", "22222222-bbbb", "22223333-cccc"}
	for i, id := range ids {
		rec := &diffmerge.MergeRecord{
			ID:        id,
			Strategy:  diffmerge.StrategyUnion,
			Status:    diffmerge.RecordAccepted,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			Entries: []diffmerge.RecordEntry{
				{Kind: diffmerge.KindAdditive, Subject: "a -> b [in]", Choice: diffmerge.ChoiceBoth},
			},
		}
		if err := db.SaveMerge(rec); err != nil {
			t.Fatalf("SaveMerge failed: %v", err)
		}
	}

	all, err := db.ListMerges(0)
	if err != nil {
		t.Fatalf("ListMerges failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if all[i].ID != want {
			t.Errorf("record %d: expected %s, got %s", i, want, all[i].ID)
		}
	}
	if len(all[0].Entries) != 1 || all[0].Entries[0].Choice != diffmerge.ChoiceBoth {
		t.Errorf("entries not preserved: %+v", all[0].Entries)
	}

	latest, err := db.ListMerges(1)
	if err != nil || len(latest) != 1 || latest[0].ID != ids[2] {
		t.Errorf("ListMerges(1) = %v, %v", latest, err)
	}

	rec, err := db.GetMerge("1111")
	if err != nil || rec.ID != ids[0] {
		t.Errorf("GetMerge prefix: %v, %v", rec, err)
	}
	if _, err := db.GetMerge("2222"); err == nil {
		t.Error("expected ambiguous prefix error")
	}
	if _, err := db.GetMerge("9999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnreachableLog(t *testing.T) {
	db := openTemp(t)
	h1 := cas.SumB3([]byte("one"))
	h2 := cas.SumB3([]byte("two"))
	at := time.Unix(1_700_000_000, 0)

	if err := db.ReplaceFirstSeen(map[cas.Hash]time.Time{h1: at, h2: at.Add(time.Hour)}); err != nil {
		t.Fatalf("ReplaceFirstSeen failed: %v", err)
	}
	seen, err := db.FirstSeen()
	if err != nil {
		t.Fatalf("FirstSeen failed: %v", err)
	}
	if len(seen) != 2 || !seen[h1].Equal(at) || !seen[h2].Equal(at.Add(time.Hour)) {
		t.Errorf("unexpected log: %v", seen)
	}

	if err := db.ReplaceFirstSeen(map[cas.Hash]time.Time{h2: at}); err != nil {
		t.Fatalf("ReplaceFirstSeen failed: %v", err)
	}
	seen, _ = db.FirstSeen()
	if len(seen) != 1 || !seen[h2].Equal(at) {
		t.Errorf("log not replaced: %v", seen)
	}
}

func TestGCWithPersistentLog(t *testing.T) {
	db := openTemp(t)
	objects, err := cas.NewFileCAS(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("NewFileCAS failed: %v", err)
	}
	junk := []byte("stale manifest")
	if err := objects.Put(cas.SumB3(junk), junk); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0)
	opts := impression.GCOptions{Grace: time.Hour, Now: func() time.Time { return t0 }}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if _, err := impression.GC(ctx, objects, nil, db, opts); err != nil {
		t.Fatalf("GC failed: %v", err)
	}

	opts.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	rep, err := impression.GC(ctx, objects, nil, db, opts)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if len(rep.Deleted) != 1 || rep.Bytes != int64(len(junk)) {
		t.Errorf("unexpected report: %+v", rep)
	}
	if ok, _ := objects.Has(cas.SumB3(junk)); ok {
		t.Error("object should be deleted")
	}
}

func TestExportImport(t *testing.T) {
	src := openTemp(t)
	snap := impression.Snapshot{"a": entry("a"), "b": entry("b")}
	if err := src.ApplyImpressions(snap, nil); err != nil {
		t.Fatalf("ApplyImpressions failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := src.ExportImpressions(&buf)
	if err != nil || n != 2 {
		t.Fatalf("ExportImpressions = %d, %v", n, err)
	}
	exported := buf.Bytes()

	dst := openTemp(t)
	if err := dst.ApplyImpressions(impression.Snapshot{"z": entry("z")}, nil); err != nil {
		t.Fatalf("ApplyImpressions failed: %v", err)
	}

	if _, err := dst.ImportImpressions(bytes.NewReader(exported), false); err != nil {
		t.Fatalf("ImportImpressions failed: %v", err)
	}
	got, _ := dst.LoadImpressions()
	if len(got) != 3 {
		t.Errorf("merge import: expected 3 entries, got %d", len(got))
	}

	if _, err := dst.ImportImpressions(bytes.NewReader(exported), true); err != nil {
		t.Fatalf("ImportImpressions failed: %v", err)
	}
	got, _ = dst.LoadImpressions()
	if len(got) != 2 || !got["a"].Equal(snap["a"]) || !got["b"].Equal(snap["b"]) {
		t.Errorf("replace import: unexpected cache %v", got)
	}

	if _, err := dst.ImportImpressions(bytes.NewReader([]byte("not zstd")), false); err == nil {
		t.Error("expected error for garbage input")
	}
}

func exportStream(t *testing.T, count int, records ...exportRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(exportHeader{Format: exportFormat, Count: count}); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("encode record: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func TestImportRejectsMalformedStreams(t *testing.T) {
	db := openTemp(t)
	a := exportRecord{Node: "a", Entry: entry("a")}
	b := exportRecord{Node: "b", Entry: entry("b")}

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"repeated node", exportStream(t, 2, a, a), "repeats node a"},
		{"truncated", exportStream(t, 3, a, b), "header declares 3 records, read 2"},
		{"missing node", exportStream(t, 1, exportRecord{Entry: entry("x")}), "has no node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ImportImpressions(bytes.NewReader(tt.data), false)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	got, err := db.LoadImpressions()
	if err != nil {
		t.Fatalf("LoadImpressions failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("rejected imports must not write entries, got %d", len(got))
	}
}

func TestShared(t *testing.T) {
	dir := t.TempDir()
	a, err := Shared(dir)
	if err != nil {
		t.Fatalf("Shared failed: %v", err)
	}
	b, err := Shared(dir)
	if err != nil {
		t.Fatalf("second Shared failed: %v", err)
	}
	if a.DB != b.DB {
		t.Error("handles should share one connection")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("double Close failed: %v", err)
	}
	if _, err := b.LoadImpressions(); err != nil {
		t.Fatalf("connection closed early: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err := Shared(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()
	if c.DB == b.DB {
		t.Error("expected a fresh connection after the last Close")
	}
}
