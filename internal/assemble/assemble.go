// Package assemble merges settled unit results back into one artifact in
// segmentation order.
package assemble

import (
	"bytes"
	"sort"

	"github.com/loqalabs/loqa-render/internal/dispatch"
	"github.com/loqalabs/loqa-render/internal/policy"
)

// Kind says how payloads are merged.
type Kind int

const (
	// KindBinary concatenates payload bytes, e.g. MP3 frames or raw PCM.
	KindBinary Kind = iota
	// KindText joins payloads with a separator.
	KindText
)

// Output describes the artifact a processor produces.
type Output struct {
	Kind      Kind
	Format    string
	Separator string
}

func (o Output) separator() []byte {
	if o.Kind != KindText {
		return nil
	}
	if o.Separator == "" {
		return []byte("\n")
	}
	return []byte(o.Separator)
}

// Part is the payload of one successful unit.
type Part struct {
	Index int
	Data  []byte
}

// Artifact is the merged output of the successful units. Parts holds the
// same payloads unmerged, in index order.
type Artifact struct {
	Kind    Kind
	Format  string
	Data    []byte
	Indices []int
	Parts   []Part
}

func (a Artifact) Empty() bool { return len(a.Indices) == 0 }

// Reassemble orders results by index and merges the successful payloads.
// Under AllOrNothing a single failure yields an empty artifact.
func Reassemble(results []dispatch.Result, out Output, mode policy.Mode) (Artifact, policy.Report) {
	sorted := append([]dispatch.Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	rep := policy.BuildReport(sorted)
	art := Artifact{Kind: out.Kind, Format: out.Format}
	if mode == policy.AllOrNothing && !rep.Empty() {
		return art, rep
	}

	sep := out.separator()
	var buf bytes.Buffer
	for _, r := range sorted {
		if !r.OK() {
			continue
		}
		if len(art.Indices) > 0 {
			buf.Write(sep)
		}
		buf.Write(r.Payload)
		art.Indices = append(art.Indices, r.Index)
		art.Parts = append(art.Parts, Part{Index: r.Index, Data: r.Payload})
	}
	art.Data = buf.Bytes()
	return art, rep
}
