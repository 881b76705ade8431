package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/value"
)

// Tag identifies a WAL record kind. Values are bit-exact with spec.md §6.2.
type Tag byte

const (
	TagBeginTxn  Tag = 0x01
	TagWrite     Tag = 0x02
	TagDelete    Tag = 0x03
	TagCommitTxn Tag = 0x04

	// Vector subsystem records (spec.md §4.2, §6.2).
	TagVectorCollectionCreate Tag = 0x70
	TagVectorCollectionDelete Tag = 0x71
	TagVectorUpsert           Tag = 0x72
	TagVectorDelete           Tag = 0x73
)

// FormatVersion is the payload encoding version byte every record embeds as
// its first payload byte, so future layout changes can be detected during
// replay instead of silently misparsed.
const FormatVersion byte = 1

// Record is one length-prefixed, CRC-checked WAL entry: `len(u32 LE) ||
// tag(u8) || payload || crc32c(u32 LE)` (spec.md §6.2). Payload always
// begins with a FormatVersion byte.
type Record struct {
	Tag     Tag
	Payload []byte
}

// BeginTxnPayload encodes (txn_id, branch_id, timestamp_micros).
func BeginTxnPayload(txnID uint64, branch storekey.BranchID, tsMicros int64) []byte {
	buf := make([]byte, 0, 1+8+16+8)
	buf = append(buf, FormatVersion)
	buf = appendU64(buf, txnID)
	buf = append(buf, branch[:]...)
	buf = appendU64(buf, uint64(tsMicros))
	return buf
}

type BeginTxn struct {
	TxnID    uint64
	Branch   storekey.BranchID
	TSMicros int64
}

func DecodeBeginTxn(payload []byte) (BeginTxn, error) {
	if len(payload) < 1+8+16+8 {
		return BeginTxn{}, fmt.Errorf("wal: truncated BeginTxn payload")
	}
	payload = payload[1:] // skip format version
	txnID := binary.LittleEndian.Uint64(payload[0:8])
	var branch storekey.BranchID
	copy(branch[:], payload[8:24])
	ts := binary.LittleEndian.Uint64(payload[24:32])
	return BeginTxn{TxnID: txnID, Branch: branch, TSMicros: int64(ts)}, nil
}

// WritePayload encodes (branch_id, key bytes, value, version).
func WritePayload(branch storekey.BranchID, key storekey.Key, v value.Value, version uint64) ([]byte, error) {
	keyBytes := key.Bytes()
	buf := make([]byte, 0, 1+16+4+len(keyBytes)+8+32)
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(keyBytes)))
	buf = append(buf, keyBytes...)
	buf = appendU64(buf, version)
	var vbuf writeBuf
	if err := value.Encode(&vbuf, v); err != nil {
		return nil, err
	}
	buf = append(buf, vbuf.b...)
	return buf, nil
}

type Write struct {
	Branch  storekey.BranchID
	KeyBytes []byte
	Version uint64
	Value   value.Value
}

func DecodeWrite(payload []byte) (Write, error) {
	if len(payload) < 1+16+4 {
		return Write{}, fmt.Errorf("wal: truncated Write payload")
	}
	p := payload[1:]
	var branch storekey.BranchID
	copy(branch[:], p[0:16])
	p = p[16:]
	klen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	if uint32(len(p)) < klen+8 {
		return Write{}, fmt.Errorf("wal: truncated Write key/version")
	}
	keyBytes := append([]byte(nil), p[:klen]...)
	p = p[klen:]
	version := binary.LittleEndian.Uint64(p[0:8])
	p = p[8:]
	v, err := value.Decode(&readBuf{b: p})
	if err != nil {
		return Write{}, err
	}
	return Write{Branch: branch, KeyBytes: keyBytes, Version: version, Value: v}, nil
}

// DeletePayload encodes (branch_id, key bytes, version).
func DeletePayload(branch storekey.BranchID, key storekey.Key, version uint64) []byte {
	keyBytes := key.Bytes()
	buf := make([]byte, 0, 1+16+4+len(keyBytes)+8)
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(keyBytes)))
	buf = append(buf, keyBytes...)
	buf = appendU64(buf, version)
	return buf
}

type Delete struct {
	Branch   storekey.BranchID
	KeyBytes []byte
	Version  uint64
}

func DecodeDelete(payload []byte) (Delete, error) {
	if len(payload) < 1+16+4 {
		return Delete{}, fmt.Errorf("wal: truncated Delete payload")
	}
	p := payload[1:]
	var branch storekey.BranchID
	copy(branch[:], p[0:16])
	p = p[16:]
	klen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	if uint32(len(p)) < klen+8 {
		return Delete{}, fmt.Errorf("wal: truncated Delete key/version")
	}
	keyBytes := append([]byte(nil), p[:klen]...)
	p = p[klen:]
	version := binary.LittleEndian.Uint64(p[0:8])
	return Delete{Branch: branch, KeyBytes: keyBytes, Version: version}, nil
}

// CommitTxnPayload encodes (txn_id, branch_id).
func CommitTxnPayload(txnID uint64, branch storekey.BranchID) []byte {
	buf := make([]byte, 0, 1+8+16)
	buf = append(buf, FormatVersion)
	buf = appendU64(buf, txnID)
	buf = append(buf, branch[:]...)
	return buf
}

type CommitTxn struct {
	TxnID  uint64
	Branch storekey.BranchID
}

func DecodeCommitTxn(payload []byte) (CommitTxn, error) {
	if len(payload) < 1+8+16 {
		return CommitTxn{}, fmt.Errorf("wal: truncated CommitTxn payload")
	}
	p := payload[1:]
	txnID := binary.LittleEndian.Uint64(p[0:8])
	var branch storekey.BranchID
	copy(branch[:], p[8:24])
	return CommitTxn{TxnID: txnID, Branch: branch}, nil
}

// VectorCollectionCreatePayload encodes (branch_id, name, dimension, metric,
// seal_threshold). Collections are per-branch, like every other primitive
// (spec.md §4.9 lists Vector among the type tags a branch delete scans).
func VectorCollectionCreatePayload(branch storekey.BranchID, name string, dimension uint32, metric byte, sealThreshold uint32) []byte {
	buf := make([]byte, 0, 1+16+4+len(name)+4+1+4)
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = appendU32(buf, dimension)
	buf = append(buf, metric)
	buf = appendU32(buf, sealThreshold)
	return buf
}

type VectorCollectionCreate struct {
	Branch        storekey.BranchID
	Name          string
	Dimension     uint32
	Metric        byte
	SealThreshold uint32
}

func DecodeVectorCollectionCreate(payload []byte) (VectorCollectionCreate, error) {
	if len(payload) < 1+16+4 {
		return VectorCollectionCreate{}, fmt.Errorf("wal: truncated VectorCollectionCreate payload")
	}
	var branch storekey.BranchID
	copy(branch[:], payload[1:17])
	p := payload[17:]
	nlen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	if uint32(len(p)) < nlen+4+1+4 {
		return VectorCollectionCreate{}, fmt.Errorf("wal: truncated VectorCollectionCreate payload")
	}
	name := string(p[:nlen])
	p = p[nlen:]
	dim := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	metric := p[0]
	p = p[1:]
	seal := binary.LittleEndian.Uint32(p[0:4])
	return VectorCollectionCreate{Branch: branch, Name: name, Dimension: dim, Metric: metric, SealThreshold: seal}, nil
}

// VectorCollectionDeletePayload encodes (branch_id, name).
func VectorCollectionDeletePayload(branch storekey.BranchID, name string) []byte {
	buf := make([]byte, 0, 1+16+4+len(name))
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(name)))
	buf = append(buf, name...)
	return buf
}

type VectorCollectionDelete struct {
	Branch storekey.BranchID
	Name   string
}

func DecodeVectorCollectionDelete(payload []byte) (VectorCollectionDelete, error) {
	if len(payload) < 1+16+4 {
		return VectorCollectionDelete{}, fmt.Errorf("wal: truncated VectorCollectionDelete payload")
	}
	var branch storekey.BranchID
	copy(branch[:], payload[1:17])
	p := payload[17:]
	nlen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	if uint32(len(p)) < nlen {
		return VectorCollectionDelete{}, fmt.Errorf("wal: truncated VectorCollectionDelete payload")
	}
	return VectorCollectionDelete{Branch: branch, Name: string(p[:nlen])}, nil
}

// VectorUpsertPayload encodes (branch_id, collection, key, vector_id,
// embedding, metadata, timestamp_micros).
func VectorUpsertPayload(branch storekey.BranchID, collection, key string, vectorID uint64, embedding []float32, metadata value.Value, tsMicros int64) ([]byte, error) {
	buf := make([]byte, 0, 80+len(embedding)*4)
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(collection)))
	buf = append(buf, collection...)
	buf = appendU32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = appendU64(buf, vectorID)
	buf = appendU32(buf, uint32(len(embedding)))
	for _, f := range embedding {
		buf = appendU32(buf, math.Float32bits(f))
	}
	var vbuf writeBuf
	if err := value.Encode(&vbuf, metadata); err != nil {
		return nil, err
	}
	buf = appendU32(buf, uint32(len(vbuf.b)))
	buf = append(buf, vbuf.b...)
	buf = appendU64(buf, uint64(tsMicros))
	return buf, nil
}

type VectorUpsert struct {
	Branch     storekey.BranchID
	Collection string
	Key        string
	VectorID   uint64
	Embedding  []float32
	Metadata   value.Value
	TSMicros   int64
}

func DecodeVectorUpsert(payload []byte) (VectorUpsert, error) {
	if len(payload) < 1+16+4 {
		return VectorUpsert{}, fmt.Errorf("wal: truncated VectorUpsert payload")
	}
	var branch storekey.BranchID
	copy(branch[:], payload[1:17])
	p := payload[17:]
	clen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	collection := string(p[:clen])
	p = p[clen:]
	klen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	key := string(p[:klen])
	p = p[klen:]
	vectorID := binary.LittleEndian.Uint64(p[0:8])
	p = p[8:]
	elen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	embedding := make([]float32, elen)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[0:4]))
		p = p[4:]
	}
	mlen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	metadata, err := value.Decode(&readBuf{b: p[:mlen]})
	if err != nil {
		return VectorUpsert{}, err
	}
	p = p[mlen:]
	ts := binary.LittleEndian.Uint64(p[0:8])
	return VectorUpsert{
		Branch:     branch,
		Collection: collection,
		Key:        key,
		VectorID:   vectorID,
		Embedding:  embedding,
		Metadata:   metadata,
		TSMicros:   int64(ts),
	}, nil
}

// VectorDeletePayload encodes (branch_id, collection, key, timestamp_micros).
func VectorDeletePayload(branch storekey.BranchID, collection, key string, tsMicros int64) []byte {
	buf := make([]byte, 0, 1+16+8+len(collection)+len(key))
	buf = append(buf, FormatVersion)
	buf = append(buf, branch[:]...)
	buf = appendU32(buf, uint32(len(collection)))
	buf = append(buf, collection...)
	buf = appendU32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = appendU64(buf, uint64(tsMicros))
	return buf
}

type VectorDelete struct {
	Branch     storekey.BranchID
	Collection string
	Key        string
	TSMicros   int64
}

func DecodeVectorDelete(payload []byte) (VectorDelete, error) {
	if len(payload) < 1+16+4 {
		return VectorDelete{}, fmt.Errorf("wal: truncated VectorDelete payload")
	}
	var branch storekey.BranchID
	copy(branch[:], payload[1:17])
	p := payload[17:]
	clen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	collection := string(p[:clen])
	p = p[clen:]
	klen := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]
	key := string(p[:klen])
	p = p[klen:]
	ts := binary.LittleEndian.Uint64(p[0:8])
	return VectorDelete{Branch: branch, Collection: collection, Key: key, TSMicros: int64(ts)}, nil
}

func appendU32(buf []byte, u uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], u)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, u uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return append(buf, b[:]...)
}

// writeBuf/readBuf adapt value.Encode/Decode (io.Writer/io.Reader) to plain
// byte slices without pulling in bytes.Buffer just for this.
type writeBuf struct{ b []byte }

func (w *writeBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type readBuf struct{ b []byte }

func (r *readBuf) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	if n == 0 && len(p) > 0 {
		return 0, fmt.Errorf("wal: unexpected EOF decoding value")
	}
	return n, nil
}
