// Package impression computes and maintains deterministic content-addressed
// digests ("impressions") of provenance graph nodes.
//
// The impression of a node is the BLAKE3 hash of its manifest:
//
//	"celebi-impression/v1\n" || own digest || sorted producer impressions
//
// with one producer impression per incoming edge. Identical own state and
// identical dependency impressions always yield the same impression, on any
// machine. Because the object store addresses data by the same hash, a
// manifest can be published to it under its impression.
package impression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/graph"
)

const manifestHeader = "celebi-impression/v1\n"

var (
	// ErrMissingDigest marks a node whose own digest is unset.
	ErrMissingDigest = errors.New("node has no own digest")
	// ErrUnresolvedDependency marks a node with a producer whose impression
	// could not be computed.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	// ErrBadManifest is returned when decoding malformed manifest bytes.
	ErrBadManifest = errors.New("malformed impression manifest")
)

// Entry is the cached currency record for one node.
type Entry struct {
	OwnDigest  cas.Hash   `json:"own_digest"`
	Deps       []cas.Hash `json:"deps"` // producer impressions, sorted
	Impression cas.Hash   `json:"impression"`
}

// Equal reports whether two entries carry identical inputs and output.
func (e Entry) Equal(o Entry) bool {
	return e.OwnDigest == o.OwnDigest && e.Impression == o.Impression && slices.Equal(e.Deps, o.Deps)
}

// Current reports whether the entry was computed from these inputs.
func (e Entry) Current(own cas.Hash, deps []cas.Hash) bool {
	return e.OwnDigest == own && slices.Equal(e.Deps, deps)
}

// Snapshot maps node identifiers to their cache entries.
type Snapshot map[graph.NodeID]Entry

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, e := range s {
		e.Deps = slices.Clone(e.Deps)
		out[id] = e
	}
	return out
}

// IDs returns the keys in ascending order.
func (s Snapshot) IDs() []graph.NodeID {
	ids := make([]graph.NodeID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Manifest returns the canonical manifest bytes for own and deps. deps need
// not be sorted.
func Manifest(own cas.Hash, deps []cas.Hash) []byte {
	sorted := slices.Clone(deps)
	cas.SortHashes(sorted)

	buf := make([]byte, 0, len(manifestHeader)+32+binary.MaxVarintLen64+32*len(sorted))
	buf = append(buf, manifestHeader...)
	buf = append(buf, own[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))
	for _, d := range sorted {
		buf = append(buf, d[:]...)
	}
	return buf
}

// ParseManifest decodes manifest bytes produced by Manifest.
func ParseManifest(data []byte) (own cas.Hash, deps []cas.Hash, err error) {
	rest, ok := bytes.CutPrefix(data, []byte(manifestHeader))
	if !ok || len(rest) < 32 {
		return own, nil, ErrBadManifest
	}
	copy(own[:], rest[:32])
	rest = rest[32:]

	n, w := binary.Uvarint(rest)
	if w <= 0 || n > uint64(len(rest)) || uint64(len(rest)-w) != n*32 {
		return own, nil, ErrBadManifest
	}
	rest = rest[w:]
	deps = make([]cas.Hash, n)
	for i := range deps {
		copy(deps[i][:], rest[i*32:(i+1)*32])
	}
	return own, deps, nil
}

// Compute returns the impression for own and deps.
func Compute(own cas.Hash, deps []cas.Hash) cas.Hash {
	return cas.SumB3(Manifest(own, deps))
}

// Failure records a node that could not be impressed.
type Failure struct {
	Node  graph.NodeID
	Err   error        // ErrMissingDigest or ErrUnresolvedDependency
	Cause graph.NodeID // failing producer, for ErrUnresolvedDependency
}

func (f Failure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s: %v via %s", f.Node, f.Err, f.Cause)
	}
	return fmt.Sprintf("%s: %v", f.Node, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }
