package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/celebichrono/celebi/internal/graph"
	"github.com/celebichrono/celebi/internal/impression"
)

const exportFormat = "celebi-impressions/v1"

type exportHeader struct {
	Format string `json:"format"`
	Count  int    `json:"count"`
}

type exportRecord struct {
	Node  graph.NodeID     `json:"node"`
	Entry impression.Entry `json:"entry"`
}

// ExportImpressions writes the impression cache to w as zstd-compressed JSON
// lines: a header followed by one record per node in identifier order.
func (db *DB) ExportImpressions(w io.Writer) (int, error) {
	snap, err := db.LoadImpressions()
	if err != nil {
		return 0, err
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(exportHeader{Format: exportFormat, Count: len(snap)}); err != nil {
		zw.Close()
		return 0, err
	}
	for _, id := range snap.IDs() {
		if err := enc.Encode(exportRecord{Node: id, Entry: snap[id]}); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("zstd close: %w", err)
	}
	return len(snap), nil
}

// ImportImpressions reads a stream written by ExportImpressions. Imported
// entries overwrite existing ones; with replace set, entries absent from the
// stream are removed as well.
func (db *DB) ImportImpressions(r io.Reader, replace bool) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	var hdr exportHeader
	if err := dec.Decode(&hdr); err != nil {
		return 0, fmt.Errorf("failed to read export header: %w", err)
	}
	if hdr.Format != exportFormat {
		return 0, fmt.Errorf("unsupported export format %q", hdr.Format)
	}

	incoming := make(impression.Snapshot, hdr.Count)
	read := 0
	for ; ; read++ {
		var rec exportRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read export record %d: %w", read, err)
		}
		if rec.Node == "" {
			return 0, fmt.Errorf("export record %d has no node", read)
		}
		if _, dup := incoming[rec.Node]; dup {
			return 0, fmt.Errorf("export record %d repeats node %s", read, rec.Node)
		}
		incoming[rec.Node] = rec.Entry
	}
	if read != hdr.Count {
		return 0, fmt.Errorf("export truncated: header declares %d records, read %d", hdr.Count, read)
	}

	var deleted []graph.NodeID
	if replace {
		current, err := db.LoadImpressions()
		if err != nil {
			return 0, err
		}
		for _, id := range current.IDs() {
			if _, ok := incoming[id]; !ok {
				deleted = append(deleted, id)
			}
		}
	}
	if err := db.ApplyImpressions(incoming, deleted); err != nil {
		return 0, err
	}
	return len(incoming), nil
}
