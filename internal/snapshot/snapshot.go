// Package snapshot reads and writes graph snapshot documents.
//
// A document lists nodes and edges in YAML or JSON:
//
//	nodes:
//	  - id: raw
//	    kind: dataset
//	    content: "s3://bucket/raw.parquet"
//	  - id: fit
//	    kind: task
//	    digest: 6f1c...            # optional, computed from content when absent
//	    params: [{name: bins, value: "40"}]
//	edges:
//	  - {producer: raw, consumer: fit, binding: input}
//
// Files ending in ".zst" are zstd-compressed.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/graph"
)

// Format selects the document syntax written by Encode.
type Format uint8

const (
	YAML Format = iota
	JSON
)

// Document is the serialized form of a graph snapshot.
type Document struct {
	Nodes []NodeDoc `yaml:"nodes" json:"nodes"`
	Edges []EdgeDoc `yaml:"edges" json:"edges"`
}

type NodeDoc struct {
	ID      string        `yaml:"id" json:"id"`
	Kind    string        `yaml:"kind,omitempty" json:"kind,omitempty"`
	Digest  string        `yaml:"digest,omitempty" json:"digest,omitempty"`
	Content string        `yaml:"content,omitempty" json:"content,omitempty"`
	Params  []graph.Param `yaml:"params,omitempty" json:"params,omitempty"`
}

type EdgeDoc struct {
	Producer string        `yaml:"producer" json:"producer"`
	Consumer string        `yaml:"consumer" json:"consumer"`
	Binding  string        `yaml:"binding" json:"binding"`
	Params   []graph.Param `yaml:"params,omitempty" json:"params,omitempty"`
}

// OwnDigest hashes a node's declared state: its kind, content and ordered
// parameters. Dependency identifiers are deliberately not part of it.
func OwnDigest(kind graph.NodeKind, content string, params []graph.Param) cas.Hash {
	buf := []byte("celebi-node/v1\n")
	str := func(s string) {
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	str(string(kind))
	str(content)
	buf = binary.AppendUvarint(buf, uint64(len(params)))
	for _, p := range params {
		str(p.Name)
		str(p.Value)
	}
	return cas.SumB3(buf)
}

// ToGraph validates a document and builds the graph it describes.
func (d *Document) ToGraph() (*graph.Graph, error) {
	nodes := make([]graph.Node, 0, len(d.Nodes))
	for i, nd := range d.Nodes {
		kind, err := graph.ParseNodeKind(nd.Kind)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, nd.ID, err)
		}
		n := graph.Node{ID: graph.NodeID(nd.ID), Kind: kind, Params: nd.Params}
		switch {
		case nd.Digest != "":
			if n.Digest, err = cas.ParseHash(nd.Digest); err != nil {
				return nil, fmt.Errorf("node %s: %w", nd.ID, err)
			}
		case nd.Content != "":
			n.Digest = OwnDigest(kind, nd.Content, nd.Params)
		}
		nodes = append(nodes, n)
	}

	edges := make([]graph.Edge, 0, len(d.Edges))
	for _, ed := range d.Edges {
		edges = append(edges, graph.Edge{
			Producer: graph.NodeID(ed.Producer),
			Consumer: graph.NodeID(ed.Consumer),
			Binding:  ed.Binding,
			Attrs:    ed.Params,
		})
	}
	return graph.New(nodes, edges)
}

// FromGraph renders g as a document with explicit digests, sorted the way
// the graph sorts its accessors.
func FromGraph(g *graph.Graph) *Document {
	d := &Document{}
	for _, n := range g.Nodes() {
		nd := NodeDoc{ID: string(n.ID), Kind: string(n.Kind), Params: n.Params}
		if !n.Digest.IsZero() {
			nd.Digest = n.Digest.String()
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, e := range g.Edges() {
		d.Edges = append(d.Edges, EdgeDoc{
			Producer: string(e.Producer),
			Consumer: string(e.Consumer),
			Binding:  e.Binding,
			Params:   e.Attrs,
		})
	}
	return d
}

// Decode reads a YAML or JSON document from r.
func Decode(r io.Reader, compressed bool) (*graph.Graph, error) {
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var doc Document
	yd := yaml.NewDecoder(r)
	yd.KnownFields(true)
	if err := yd.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return doc.ToGraph()
}

// Encode writes g to w.
func Encode(w io.Writer, g *graph.Graph, format Format, compressed bool) error {
	var raw []byte
	var err error
	doc := FromGraph(g)
	switch format {
	case JSON:
		raw, err = json.MarshalIndent(doc, "", "  ")
		raw = append(raw, '\n')
	default:
		raw, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if !compressed {
		_, err = w.Write(raw)
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

// formatOf derives format and compression from a file name such as
// "graph.json.zst".
func formatOf(path string) (Format, bool) {
	compressed := strings.HasSuffix(path, ".zst")
	base := strings.TrimSuffix(path, ".zst")
	if strings.EqualFold(filepath.Ext(base), ".json") {
		return JSON, compressed
	}
	return YAML, compressed
}

// Load reads a snapshot file.
func Load(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	_, compressed := formatOf(path)
	g, err := Decode(bytes.NewReader(data), compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Save writes g to path, picking format and compression from its name.
func Save(path string, g *graph.Graph) error {
	format, compressed := formatOf(path)
	var buf bytes.Buffer
	if err := Encode(&buf, g, format, compressed); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
