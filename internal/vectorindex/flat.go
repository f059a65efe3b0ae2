// Package vectorindex provides the per-KB flat L2 vector index and the
// coordinator that keeps its persisted form consistent under concurrent
// writers.
package vectorindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// Serialization format: little-endian, magic + format version header, then
// the id map, then the dense row-major payload. Round-trips are
// byte-identical.
var indexMagic = [4]byte{'F', 'I', 'X', '1'}

const indexFormatVersion uint32 = 1

// Result is one search hit.
type Result struct {
	VectorID string
	Distance float32
}

// FlatIndex is an exact k-NN index over L2 distance. Vectors are stored
// densely in insertion order with a parallel id map. The index never mutates
// itself during a search, so a loaded snapshot is safe for concurrent
// readers.
type FlatIndex struct {
	dim     int
	vectors []float32 // row-major, len = dim × count
	ids     []string
	idSet   map[string]struct{}
}

// NewFlatIndex creates an empty index of the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim < 1 {
		return nil, domain.InvalidInput(fmt.Sprintf("invalid index dimension %d", dim))
	}
	return &FlatIndex{
		dim:   dim,
		idSet: make(map[string]struct{}),
	}, nil
}

// Dimension returns the vector dimension.
func (x *FlatIndex) Dimension() int {
	return x.dim
}

// Count returns the number of stored vectors.
func (x *FlatIndex) Count() int {
	return len(x.ids)
}

// Contains reports whether a vector id is present.
func (x *FlatIndex) Contains(id string) bool {
	_, ok := x.idSet[id]
	return ok
}

// Add appends vectors and extends the id map. Every id must be new to the
// index and unique within the batch; every vector must match the index
// dimension. The index is unchanged when Add fails.
func (x *FlatIndex) Add(vectors [][]float32, ids []string) error {
	if len(vectors) != len(ids) {
		return domain.InvalidInput(fmt.Sprintf(
			"vector/id count mismatch: %d vectors, %d ids", len(vectors), len(ids)))
	}

	batch := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if id == "" {
			return domain.InvalidInput(fmt.Sprintf("empty vector id at position %d", i))
		}
		if _, ok := x.idSet[id]; ok {
			return domain.InvalidInput(fmt.Sprintf("duplicate vector id %s", id))
		}
		if _, ok := batch[id]; ok {
			return domain.InvalidInput(fmt.Sprintf("duplicate vector id %s in batch", id))
		}
		batch[id] = struct{}{}

		if len(vectors[i]) != x.dim {
			return domain.InvalidInput(fmt.Sprintf(
				"vector dimension mismatch: index is %d, vector %d is %d", x.dim, i, len(vectors[i])))
		}
	}

	for i, v := range vectors {
		x.vectors = append(x.vectors, v...)
		x.ids = append(x.ids, ids[i])
		x.idSet[ids[i]] = struct{}{}
	}
	return nil
}

// RemoveByIDs deletes matching rows, preserving the order of survivors, and
// returns how many rows were removed. Unknown ids are ignored.
func (x *FlatIndex) RemoveByIDs(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	removed := 0
	write := 0
	for read, id := range x.ids {
		if _, gone := drop[id]; gone {
			delete(x.idSet, id)
			removed++
			continue
		}
		if write != read {
			copy(x.vectors[write*x.dim:(write+1)*x.dim], x.vectors[read*x.dim:(read+1)*x.dim])
			x.ids[write] = id
		}
		write++
	}

	x.ids = x.ids[:write]
	x.vectors = x.vectors[:write*x.dim]
	return removed
}

// Search returns the k nearest neighbours of query under L2 distance,
// ascending, with equal distances broken by ascending vector id. k larger
// than the vector count is clamped.
func (x *FlatIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != x.dim {
		return nil, domain.InvalidInput(fmt.Sprintf(
			"query dimension mismatch: index is %d, query is %d", x.dim, len(query)))
	}
	if k < 1 {
		return nil, domain.InvalidInput(fmt.Sprintf("invalid k %d", k))
	}

	results := make([]Result, len(x.ids))
	for row, id := range x.ids {
		results[row] = Result{
			VectorID: id,
			Distance: l2Distance(query, x.vectors[row*x.dim:(row+1)*x.dim]),
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].VectorID < results[j].VectorID
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Serialize encodes the index. The output is deterministic for a given
// insertion order.
func (x *FlatIndex) Serialize() []byte {
	var buf bytes.Buffer

	buf.Write(indexMagic[:])
	writeUint32(&buf, indexFormatVersion)
	writeUint32(&buf, uint32(x.dim))
	writeUint32(&buf, uint32(len(x.ids)))

	for _, id := range x.ids {
		writeUint32(&buf, uint32(len(id)))
		buf.WriteString(id)
	}

	payload := make([]byte, 4)
	for _, f := range x.vectors {
		binary.LittleEndian.PutUint32(payload, math.Float32bits(f))
		buf.Write(payload)
	}

	return buf.Bytes()
}

// DeserializeIndex decodes a serialized index, validating the header and all
// length fields.
func DeserializeIndex(data []byte) (*FlatIndex, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != indexMagic {
		return nil, domain.IndexUnavailable("bad index magic")
	}

	version, err := readUint32(r)
	if err != nil || version != indexFormatVersion {
		return nil, domain.IndexUnavailable(fmt.Sprintf("unsupported index format version %d", version))
	}

	dim, err := readUint32(r)
	if err != nil || dim < 1 {
		return nil, domain.IndexUnavailable("bad index dimension")
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, domain.IndexUnavailable("bad index count")
	}

	idx, err := NewFlatIndex(int(dim))
	if err != nil {
		return nil, err
	}

	idx.ids = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		idLen, err := readUint32(r)
		if err != nil {
			return nil, domain.IndexUnavailable("truncated id map")
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, domain.IndexUnavailable("truncated id map")
		}
		s := string(id)
		if _, dup := idx.idSet[s]; dup {
			return nil, domain.IndexUnavailable(fmt.Sprintf("duplicate vector id %s", s))
		}
		idx.ids = append(idx.ids, s)
		idx.idSet[s] = struct{}{}
	}

	want := int(count) * int(dim)
	idx.vectors = make([]float32, want)
	raw := make([]byte, 4)
	for i := 0; i < want; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, domain.IndexUnavailable("truncated vector payload")
		}
		idx.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw))
	}

	if r.Len() != 0 {
		return nil, domain.IndexUnavailable("trailing bytes after vector payload")
	}
	return idx, nil
}

func l2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	buf.Write(raw[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}
