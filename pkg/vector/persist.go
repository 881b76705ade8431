package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// heapRecordSize is the fixed per-slot on-disk record: occupied(u8) ‖
// createdAt(i64 LE) ‖ deletedAt(i64 LE) ‖ version(u64 LE) ‖ dim × float32 LE
// (spec.md §4.8.5). Fixed-width records let a slot be addressed by
// id*heapRecordSize(dim) without a separate index.
func heapRecordSize(dim int) int {
	return 1 + 8 + 8 + 8 + 4*dim
}

// freezeHeap snapshots every slot of h to an mmap-backed file at path,
// truncated and mapped RDWR so the write lands through the same page-cache
// path a later mmap-load reads back through, rather than a buffered
// io.Writer (spec.md §4.8.5's "can be frozen to an mmap-backed file").
func freezeHeap(h *heap, path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vector: heap freeze mkdir: %w", err)
	}
	recSize := heapRecordSize(h.dimension)
	size := len(h.slots) * recSize
	if size == 0 {
		size = recSize // keep the file non-empty so Map never sees a zero-length region
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vector: heap freeze open: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("vector: heap freeze truncate: %w", err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("vector: heap freeze mmap: %w", err)
	}
	defer m.Unmap()

	for id, s := range h.slots {
		off := id * recSize
		rec := m[off : off+recSize]
		if s.occupied {
			rec[0] = 1
		} else {
			rec[0] = 0
		}
		binary.LittleEndian.PutUint64(rec[1:9], uint64(s.createdAt))
		binary.LittleEndian.PutUint64(rec[9:17], uint64(s.deletedAt))
		binary.LittleEndian.PutUint64(rec[17:25], s.version)
		for i, v := range s.embedding {
			binary.LittleEndian.PutUint32(rec[25+4*i:29+4*i], math.Float32bits(v))
		}
	}
	return m.Flush()
}

// loadHeap mmap-loads a heap previously written by freezeHeap. The returned
// heap's free list and nextID are reconstructed from the occupied flags
// rather than persisted separately, since they are fully derivable from the
// slot records.
func loadHeap(path string, dimension int) (*heap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vector: heap load open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vector: heap load stat: %w", err)
	}
	recSize := heapRecordSize(dimension)
	if info.Size() == 0 || info.Size()%int64(recSize) != 0 {
		return nil, fmt.Errorf("vector: heap load: file size %d not a multiple of record size %d", info.Size(), recSize)
	}
	count := int(info.Size() / int64(recSize))

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("vector: heap load mmap: %w", err)
	}
	defer m.Unmap()

	h := newHeap(dimension)
	h.slots = make([]slot, count)
	for id := 0; id < count; id++ {
		off := id * recSize
		rec := m[off : off+recSize]
		occupied := rec[0] == 1
		createdAt := int64(binary.LittleEndian.Uint64(rec[1:9]))
		deletedAt := int64(binary.LittleEndian.Uint64(rec[9:17]))
		version := binary.LittleEndian.Uint64(rec[17:25])
		if !occupied {
			h.free.Add(uint32(id))
			continue
		}
		embedding := make([]float32, dimension)
		for i := range embedding {
			embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(rec[25+4*i : 29+4*i]))
		}
		h.slots[id] = slot{embedding: embedding, createdAt: createdAt, deletedAt: deletedAt, version: version, occupied: true}
		h.nextID = uint64(id) + 1
	}
	return h, nil
}

// ManifestEntry is one sealed segment's row in a collection's
// segments.manifest (spec.md §6.4).
type ManifestEntry struct {
	SegmentID uint64
	LiveCount uint64
	Reserved  uint64
}

// Manifest is a collection's persistence watermark: the heap's Count (one
// past its highest VectorId) at the moment of the freeze, plus one row per sealed segment
// written alongside it. A later load compares HeapVectorCountAtFreeze
// against the post-replay heap count to decide whether the frozen segments
// are still valid (spec.md §4.8.5).
type Manifest struct {
	HeapVectorCountAtFreeze uint64
	Segments                []ManifestEntry
}

func manifestPath(graphsDir string) string { return filepath.Join(graphsDir, "segments.manifest") }

func segmentPath(graphsDir string, id uint64) string {
	return filepath.Join(graphsDir, fmt.Sprintf("seg_%d.hgr", id))
}

// writeManifest encodes m in the wire format spec.md §6.4 specifies:
// heap_vector_count_at_freeze: u64 LE ‖ N × (segment_id, live_count,
// reserved: u64 LE each).
func writeManifest(path string, m Manifest) error {
	buf := make([]byte, 8+len(m.Segments)*24)
	binary.LittleEndian.PutUint64(buf[0:8], m.HeapVectorCountAtFreeze)
	off := 8
	for _, e := range m.Segments {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.SegmentID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.LiveCount)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], e.Reserved)
		off += 24
	}
	return os.WriteFile(path, buf, 0o644)
}

func readManifest(path string) (Manifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	if len(buf) < 8 || (len(buf)-8)%24 != 0 {
		return Manifest{}, fmt.Errorf("vector: manifest %s malformed (%d bytes)", path, len(buf))
	}
	m := Manifest{HeapVectorCountAtFreeze: binary.LittleEndian.Uint64(buf[0:8])}
	for off := 8; off < len(buf); off += 24 {
		m.Segments = append(m.Segments, ManifestEntry{
			SegmentID: binary.LittleEndian.Uint64(buf[off : off+8]),
			LiveCount: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Reserved:  binary.LittleEndian.Uint64(buf[off+16 : off+24]),
		})
	}
	return m, nil
}

// writeSegmentFile serializes seg's graph (not its embeddings, which live in
// the shared heap) to path: id, metric, entryPoint, maxLevel, liveAtSeal,
// then per node its id, level, and each layer's sorted neighbor list.
func writeSegmentFile(path string, seg *segment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vector: segment write mkdir: %w", err)
	}

	var buf []byte
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}

	putU64(seg.id)
	buf = append(buf, byte(seg.metric))
	putU64(seg.entryPoint)
	putU32(uint32(seg.maxLevel))
	putU32(uint32(seg.liveAtSeal))
	putU32(uint32(len(seg.nodes)))

	// nodes map has no fixed iteration order; sort by id so the file is
	// byte-stable across repeated freezes of an unchanged segment.
	ids := make([]uint64, 0, len(seg.nodes))
	for id := range seg.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		node := seg.nodes[id]
		putU64(node.id)
		putU32(uint32(node.level))
		for l := 0; l <= node.level; l++ {
			neighbors := node.neighbors[l]
			putU32(uint32(len(neighbors)))
			for _, n := range neighbors {
				putU64(n)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vector: segment write open: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("vector: segment write truncate: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("vector: segment write mmap: %w", err)
	}
	defer m.Unmap()
	copy(m, buf)
	return m.Flush()
}

// readSegmentFile mmap-loads a segment graph written by writeSegmentFile,
// wiring it to h so its distance computations dereference the just-loaded
// (or just-replayed) heap rather than a copy. The segment's metric is
// decoded from the file itself.
func readSegmentFile(path string, h *heap) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("vector: segment read mmap: %w", err)
	}
	defer m.Unmap()
	buf := []byte(m)

	r := &byteReader{buf: buf}
	seg := &segment{heap: h, levelMult: 1.0 / math.Log(float64(hnswM))}
	seg.id, err = r.u64()
	if err != nil {
		return nil, err
	}
	metricByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	seg.metric = metricFromByte(metricByte)
	if seg.entryPoint, err = r.u64(); err != nil {
		return nil, err
	}
	maxLevel, err := r.u32()
	if err != nil {
		return nil, err
	}
	seg.maxLevel = int(maxLevel)
	liveAtSeal, err := r.u32()
	if err != nil {
		return nil, err
	}
	seg.liveAtSeal = int(liveAtSeal)
	nodeCount, err := r.u32()
	if err != nil {
		return nil, err
	}

	seg.nodes = make(map[uint64]*hnswNode, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		level, err := r.u32()
		if err != nil {
			return nil, err
		}
		node := &hnswNode{id: id, level: int(level), neighbors: make([][]uint64, int(level)+1)}
		for l := 0; l <= int(level); l++ {
			n, err := r.u32()
			if err != nil {
				return nil, err
			}
			neighbors := make([]uint64, n)
			for j := range neighbors {
				neighbors[j], err = r.u64()
				if err != nil {
					return nil, err
				}
			}
			node.neighbors[l] = neighbors
		}
		seg.nodes[id] = node
	}
	return seg, nil
}

// byteReader is a minimal little-endian cursor over an mmap'd byte slice,
// used instead of bytes.Reader so segment decoding stays allocation-free
// aside from the destination slices themselves.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) u8() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("vector: segment file truncated")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("vector: segment file truncated")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("vector: segment file truncated")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

