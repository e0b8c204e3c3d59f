package mission

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/tinylib/msgp/msgp"

	"github.com/bamsammich/chunkdl/internal/storage"
)

// MetadataVersion is the record version Encode writes.
const MetadataVersion = 2

var frameMagic = []byte("CDLM")

const frameHeaderSize = 4 + 8

// ErrCorruptMetadata is returned for records that fail the frame check or
// cannot be decoded.
var ErrCorruptMetadata = errors.New("mission: corrupt metadata")

// Record is a decoded metadata file. The storage handle is not restored;
// Location names it for the caller to resolve.
type Record struct {
	Mission  *Mission
	Location string
	Version  int
}

// record mirrors every key either version may carry.
type record struct {
	version       int
	timestamp     int64
	url           string
	urls          []string
	name          string
	kind          byte
	location      string
	threads       int
	blockSize     int64
	length        int64
	done          int64
	errCode       int32
	enqueued      bool
	maxRetry      int
	psState       int32
	psAlgorithm   string
	psArgs        []string
	blocks        []byte
	etag          string
	unknownLength bool
	ranges        bool
	finished      bool
}

// Encode serializes the mission into a framed metadata record. Blocks
// beyond the durable prefix are left out.
func (m *Mission) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blocks []byte
	if m.blocks != nil {
		persisted := m.blocks.Clone()
		persisted.RemoveRange(m.durableBlocks(), allBlocks)
		var err error
		if blocks, err = persisted.ToBytes(); err != nil {
			return nil, fmt.Errorf("encode blocks: %w", err)
		}
	}
	location := ""
	if m.storage != nil {
		location = m.storage.URI()
	}

	b := make([]byte, frameHeaderSize, 256+len(blocks))
	b = msgp.AppendMapHeader(b, 21)
	b = msgp.AppendString(b, "version")
	b = msgp.AppendInt(b, MetadataVersion)
	b = msgp.AppendString(b, "timestamp")
	b = msgp.AppendInt64(b, m.Timestamp)
	b = msgp.AppendString(b, "url")
	b = msgp.AppendString(b, m.URL)
	b = msgp.AppendString(b, "name")
	b = msgp.AppendString(b, m.Name)
	b = msgp.AppendString(b, "kind")
	b = msgp.AppendUint8(b, byte(m.Kind))
	b = msgp.AppendString(b, "location")
	b = msgp.AppendString(b, location)
	b = msgp.AppendString(b, "threads")
	b = msgp.AppendInt(b, m.ThreadCount)
	b = msgp.AppendString(b, "block_size")
	b = msgp.AppendInt64(b, m.BlockSize)
	b = msgp.AppendString(b, "length")
	b = msgp.AppendInt64(b, m.length)
	b = msgp.AppendString(b, "done")
	b = msgp.AppendInt64(b, m.persistedDone())
	b = msgp.AppendString(b, "err_code")
	b = msgp.AppendInt32(b, int32(m.errCode))
	b = msgp.AppendString(b, "enqueued")
	b = msgp.AppendBool(b, m.enqueued)
	b = msgp.AppendString(b, "max_retry")
	b = msgp.AppendInt(b, m.maxRetry)
	b = msgp.AppendString(b, "ps_state")
	b = msgp.AppendInt32(b, int32(m.psState))
	b = msgp.AppendString(b, "ps_algorithm")
	b = msgp.AppendString(b, m.PsAlgorithm)
	b = msgp.AppendString(b, "ps_args")
	b = msgp.AppendArrayHeader(b, uint32(len(m.PsArgs)))
	for _, arg := range m.PsArgs {
		b = msgp.AppendString(b, arg)
	}
	b = msgp.AppendString(b, "blocks")
	b = msgp.AppendBytes(b, blocks)
	b = msgp.AppendString(b, "etag")
	b = msgp.AppendString(b, m.etag)
	b = msgp.AppendString(b, "unknown_length")
	b = msgp.AppendBool(b, m.unknownLength)
	b = msgp.AppendString(b, "ranges")
	b = msgp.AppendBool(b, m.ranges)
	b = msgp.AppendString(b, "finished")
	b = msgp.AppendBool(b, m.finished)

	copy(b, frameMagic)
	binary.BigEndian.PutUint64(b[4:frameHeaderSize], xxhash.Sum64(b[frameHeaderSize:]))
	return b, nil
}

// persistedDone is the byte count a reload will find. Must be called with
// m.mu held.
func (m *Mission) persistedDone() int64 {
	if m.ranges {
		return m.durable
	}
	if m.finished || m.psState != PsNone {
		return m.done
	}
	return 0
}

// Decode parses a framed metadata record, migrating older versions.
func Decode(data []byte) (*Record, error) {
	if len(data) < frameHeaderSize || !bytes.Equal(data[:4], frameMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptMetadata)
	}
	payload := data[frameHeaderSize:]
	if binary.BigEndian.Uint64(data[4:frameHeaderSize]) != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptMetadata)
	}

	r, err := decodeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptMetadata, err)
	}
	switch r.version {
	case 1:
		migrateV1(r)
	case MetadataVersion:
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptMetadata, r.version)
	}

	m := &Mission{
		Timestamp:     r.timestamp,
		URL:           r.url,
		Name:          r.name,
		Kind:          storage.ParseKind(r.kind),
		ThreadCount:   r.threads,
		BlockSize:     r.blockSize,
		PsAlgorithm:   r.psAlgorithm,
		PsArgs:        r.psArgs,
		length:        r.length,
		done:          r.done,
		durable:       r.done,
		errCode:       ErrorCode(r.errCode),
		enqueued:      r.enqueued,
		maxRetry:      r.maxRetry,
		psState:       PsState(r.psState),
		etag:          r.etag,
		unknownLength: r.unknownLength,
		ranges:        r.ranges,
		finished:      r.finished,
	}
	if m.BlockSize <= 0 {
		m.BlockSize = DefaultBlockSize
	}
	if m.ThreadCount <= 0 {
		m.ThreadCount = 1
	}
	if len(r.blocks) > 0 {
		m.blocks = roaring.New()
		if err := m.blocks.UnmarshalBinary(r.blocks); err != nil {
			return nil, fmt.Errorf("%w: blocks: %w", ErrCorruptMetadata, err)
		}
	}
	return &Record{Mission: m, Location: r.location, Version: r.version}, nil
}

// migrateV1 fills in what version 1 records lacked. Version 1 downloads
// were written front to back, so the done counter is a contiguous prefix.
func migrateV1(r *record) {
	if r.url == "" && len(r.urls) > 0 {
		r.url = r.urls[0]
	}
	if r.blockSize <= 0 {
		r.blockSize = DefaultBlockSize
	}
	if r.length <= 0 || !r.ranges {
		r.done = 0
		return
	}
	complete := uint64(r.done / r.blockSize)
	if r.done >= r.length {
		complete = uint64((r.length + r.blockSize - 1) / r.blockSize)
	}
	bm := roaring.New()
	bm.AddRange(0, complete)
	r.blocks, _ = bm.ToBytes()
	r.done = min(int64(complete)*r.blockSize, r.length)
}

//nolint:gocyclo // one case per key
func decodeRecord(b []byte) (*record, error) {
	r := &record{length: -1, maxRetry: 3}
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}

	var key []byte
	for range n {
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return nil, err
		}
		switch string(key) {
		case "version":
			r.version, b, err = msgp.ReadIntBytes(b)
		case "timestamp":
			r.timestamp, b, err = msgp.ReadInt64Bytes(b)
		case "url":
			r.url, b, err = msgp.ReadStringBytes(b)
		case "urls":
			r.urls, b, err = readStrings(b)
		case "name":
			r.name, b, err = msgp.ReadStringBytes(b)
		case "kind":
			r.kind, b, err = msgp.ReadUint8Bytes(b)
		case "location":
			r.location, b, err = msgp.ReadStringBytes(b)
		case "threads":
			r.threads, b, err = msgp.ReadIntBytes(b)
		case "block_size":
			r.blockSize, b, err = msgp.ReadInt64Bytes(b)
		case "length":
			r.length, b, err = msgp.ReadInt64Bytes(b)
		case "done":
			r.done, b, err = msgp.ReadInt64Bytes(b)
		case "err_code":
			r.errCode, b, err = msgp.ReadInt32Bytes(b)
		case "enqueued":
			r.enqueued, b, err = msgp.ReadBoolBytes(b)
		case "max_retry":
			r.maxRetry, b, err = msgp.ReadIntBytes(b)
		case "ps_state":
			r.psState, b, err = msgp.ReadInt32Bytes(b)
		case "ps_algorithm":
			r.psAlgorithm, b, err = msgp.ReadStringBytes(b)
		case "ps_args":
			r.psArgs, b, err = readStrings(b)
		case "blocks":
			r.blocks, b, err = msgp.ReadBytesBytes(b, nil)
		case "etag":
			r.etag, b, err = msgp.ReadStringBytes(b)
		case "unknown_length":
			r.unknownLength, b, err = msgp.ReadBoolBytes(b)
		case "ranges":
			r.ranges, b, err = msgp.ReadBoolBytes(b)
		case "finished":
			r.finished, b, err = msgp.ReadBoolBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
	}
	if r.version == 0 {
		return nil, errors.New("missing version")
	}
	return r, nil
}

func readStrings(b []byte) ([]string, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	out := make([]string, 0, n)
	for range n {
		var s string
		if s, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		out = append(out, s)
	}
	return out, b, nil
}
