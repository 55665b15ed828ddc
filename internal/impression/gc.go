package impression

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/ctxlog"
)

// DefaultGrace is how long an unreachable object survives before deletion.
const DefaultGrace = 14 * 24 * time.Hour

// UnreachableLog remembers when each unreachable object was first seen.
type UnreachableLog interface {
	FirstSeen() (map[cas.Hash]time.Time, error)
	// ReplaceFirstSeen swaps the whole set in one step.
	ReplaceFirstSeen(map[cas.Hash]time.Time) error
}

// MemoryLog is an in-memory UnreachableLog.
type MemoryLog struct {
	mu   sync.Mutex
	seen map[cas.Hash]time.Time
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{seen: make(map[cas.Hash]time.Time)}
}

func (m *MemoryLog) FirstSeen() (map[cas.Hash]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.seen), nil
}

func (m *MemoryLog) ReplaceFirstSeen(seen map[cas.Hash]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = maps.Clone(seen)
	return nil
}

// GCOptions configures a collection.
type GCOptions struct {
	Grace  time.Duration
	DryRun bool
	Now    func() time.Time
}

// GCReport summarizes a collection.
type GCReport struct {
	Live        int
	Unreachable []cas.Hash // all unreachable objects, including those deleted
	Deleted     []cas.Hash // deleted, or due for deletion on a dry run
	Bytes       int64      // size of Deleted
}

// LiveSet returns every hash referenced by the snapshot: each impression and
// each dependency impression.
func LiveSet(snap Snapshot) map[cas.Hash]struct{} {
	live := make(map[cas.Hash]struct{}, len(snap))
	for _, e := range snap {
		live[e.Impression] = struct{}{}
		for _, d := range e.Deps {
			live[d] = struct{}{}
		}
	}
	return live
}

// GC marks objects not reachable from snap and sweeps those that have been
// unreachable for at least the grace period. Objects that become reachable
// again are forgotten by the log. A dry run changes nothing.
func GC(ctx context.Context, objects cas.Sweeper, snap Snapshot, unreachable UnreachableLog, opts GCOptions) (*GCReport, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	at := now()

	all, err := objects.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	seen, err := unreachable.FirstSeen()
	if err != nil {
		return nil, fmt.Errorf("failed to load unreachable log: %w", err)
	}

	live := LiveSet(snap)
	rep := &GCReport{}
	next := make(map[cas.Hash]time.Time)

	for _, h := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := live[h]; ok {
			rep.Live++
			continue
		}
		rep.Unreachable = append(rep.Unreachable, h)

		first, ok := seen[h]
		if !ok {
			first = at
		}
		if at.Sub(first) < opts.Grace {
			next[h] = first
			continue
		}

		size, err := objects.Size(h)
		if err != nil {
			return nil, fmt.Errorf("failed to stat object %s: %w", h.Short(), err)
		}
		if !opts.DryRun {
			if err := objects.Delete(h); err != nil {
				return nil, fmt.Errorf("failed to delete object %s: %w", h.Short(), err)
			}
		}
		rep.Deleted = append(rep.Deleted, h)
		rep.Bytes += size
	}

	if !opts.DryRun {
		if err := unreachable.ReplaceFirstSeen(next); err != nil {
			return nil, fmt.Errorf("failed to save unreachable log: %w", err)
		}
	}

	ctxlog.FromContext(ctx).Info("impression gc finished",
		"live", rep.Live,
		"unreachable", len(rep.Unreachable),
		"deleted", len(rep.Deleted),
		"bytes", rep.Bytes,
		"dry_run", opts.DryRun)
	return rep, nil
}
