package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// segmentMagic identifies a valid segment header.
var segmentMagic = [4]byte{'S', 'T', 'W', 'L'}

// segmentHeaderSize is the fixed 32-byte header every segment begins with
// (spec.md §4.2): magic(4) + version(1) + reserved(3) + uuid(16) +
// starting_offset(8) = 32.
const segmentHeaderSize = 32

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type segmentHeader struct {
	Version        byte
	UUID           uuid.UUID
	StartingOffset uint64
}

func writeSegmentHeader(w io.Writer, h segmentHeader) error {
	buf := make([]byte, segmentHeaderSize)
	copy(buf[0:4], segmentMagic[:])
	buf[4] = h.Version
	copy(buf[8:24], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], h.StartingOffset)
	_, err := w.Write(buf)
	return err
}

func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return segmentHeader{}, err
	}
	if [4]byte(buf[0:4]) != segmentMagic {
		return segmentHeader{}, fmt.Errorf("wal: bad segment magic")
	}
	var h segmentHeader
	h.Version = buf[4]
	copy(h.UUID[:], buf[8:24])
	h.StartingOffset = binary.LittleEndian.Uint64(buf[24:32])
	return h, nil
}

// segmentFileName renders the on-disk name for segment n.
func segmentFileName(n int) string { return fmt.Sprintf("segment-%08d.wal", n) }

// segment is one open WAL file: header plus an append cursor.
type segment struct {
	id     int
	path   string
	file   *os.File
	writer *bufio.Writer
	offset int64 // bytes written after the header, i.e. size of the record region
}

func createSegment(dir string, id int, startingOffset uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	if err := writeSegmentHeader(f, segmentHeader{Version: FormatVersion, UUID: uuid.New(), StartingOffset: startingOffset}); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{id: id, path: path, file: f, writer: bufio.NewWriter(f)}, nil
}

// openSegmentForAppend reopens an existing segment file positioned at the
// end of its last fully-readable record, truncating any torn tail bytes
// (spec.md §4.2 failure model).
func openSegmentForAppend(dir string, id int) (*segment, uint32, uint64, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, 0, 0, err
	}
	r := bufio.NewReader(f)
	hdr, err := readSegmentHeader(r)
	if err != nil {
		f.Close()
		return nil, 0, 0, err
	}
	validEnd := int64(segmentHeaderSize)
	recordsRead := uint32(0)
	for {
		start := validEnd
		rec, n, err := readRecordAt(f, start)
		if err != nil {
			if err == io.EOF || err == errTornTail {
				break
			}
			f.Close()
			return nil, 0, 0, err
		}
		_ = rec
		validEnd = start + n
		recordsRead++
	}
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, 0, 0, err
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, 0, err
	}
	seg := &segment{id: id, path: path, file: f, writer: bufio.NewWriter(f), offset: validEnd - segmentHeaderSize}
	return seg, recordsRead, hdr.StartingOffset, nil
}

var errTornTail = fmt.Errorf("wal: torn tail record")

// readRecordAt reads one record starting at byte offset `at` in f, without
// disturbing any shared read cursor (uses ReadAt semantics via a fresh
// section reader). Returns the record, its total on-disk length including
// framing, and an error: io.EOF at a clean end-of-segment, errTornTail for
// a truncated trailing record (not a real error), or a hard read error. A
// CRC mismatch mid-segment is NOT errTornTail — it is fatal, matching
// spec.md §4.2 ("distinct from torn-tail").
func readRecordAt(f *os.File, at int64) (Record, int64, error) {
	lenBuf := make([]byte, 4)
	n, err := f.ReadAt(lenBuf, at)
	if n < 4 {
		if err == io.EOF || (err == nil && n < 4) {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, err
	}
	recLen := binary.LittleEndian.Uint32(lenBuf)
	if recLen == 0 || recLen > 64<<20 {
		return Record{}, 0, io.EOF
	}
	body := make([]byte, recLen+4) // tag+payload, then crc32
	bn, err := f.ReadAt(body, at+4)
	if bn < len(body) {
		// Not enough bytes left for a full record: torn tail.
		return Record{}, 0, errTornTail
	}
	if err != nil && err != io.EOF {
		return Record{}, 0, err
	}
	tagAndPayload := body[:recLen]
	wantCRC := binary.LittleEndian.Uint32(body[recLen:])
	gotCRC := crc32.Checksum(tagAndPayload, crc32cTable)
	if gotCRC != wantCRC {
		return Record{}, 0, fmt.Errorf("wal: crc mismatch at offset %d: %w", at, errCRCMismatch)
	}
	rec := Record{Tag: Tag(tagAndPayload[0]), Payload: append([]byte(nil), tagAndPayload[1:]...)}
	total := int64(4 + len(body))
	return rec, total, nil
}

var errCRCMismatch = fmt.Errorf("fatal WAL corruption")

// appendRecord writes rec to the segment's buffered writer. Does not fsync;
// callers decide durability per the WAL's durability mode.
func (s *segment) appendRecord(rec Record) error {
	tagAndPayload := make([]byte, 0, 1+len(rec.Payload))
	tagAndPayload = append(tagAndPayload, byte(rec.Tag))
	tagAndPayload = append(tagAndPayload, rec.Payload...)
	crc := crc32.Checksum(tagAndPayload, crc32cTable)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(tagAndPayload)))
	if _, err := s.writer.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(tagAndPayload); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := s.writer.Write(crcBuf[:]); err != nil {
		return err
	}
	s.offset += int64(4 + len(tagAndPayload) + 4)
	return nil
}

func (s *segment) flush() error { return s.writer.Flush() }

func (s *segment) fsync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) size() int64 { return segmentHeaderSize + s.offset }

func (s *segment) close() error {
	if err := s.flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// readSegmentRecords reads every valid record from a closed (or
// freshly-opened read-only) segment file in order, stopping cleanly at a
// torn tail and propagating a CRC mismatch as a fatal error.
func readSegmentRecords(dir string, id int) ([]Record, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := readSegmentHeader(r); err != nil {
		return nil, err
	}

	var records []Record
	offset := int64(segmentHeaderSize)
	for {
		rec, n, err := readRecordAt(f, offset)
		if err != nil {
			if err == io.EOF || err == errTornTail {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
		offset += n
	}
}
