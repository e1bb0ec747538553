package tree

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Tree blob format: a fixed header, individually compressed node payloads,
// and an id -> offset index table. Any node is decodable without reading the
// rest of the blob.
//
//	magic "EGTB" | u32 version | u64 node_count | u64 root_offset |
//	u64 index_table_offset | u64 root_id | u64 next_id
//
// followed by zstd-compressed JSON node payloads, followed by node_count
// index entries of {u64 id, u64 offset, u32 length}. All integers little
// endian.
const (
	blobMagic      = "EGTB"
	blobVersion    = 1
	headerSize     = 4 + 4 + 8 + 8 + 8 + 8 + 8
	indexEntrySize = 8 + 8 + 4
)

// ErrCorruptBlob reports a malformed or truncated blob.
var ErrCorruptBlob = errors.New("corrupt tree blob")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeTree serializes a tree into the blob format.
func EncodeTree(t *Tree) ([]byte, error) {
	ids := make([]NodeID, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)

	var payloads []byte
	offsets := make(map[NodeID][2]uint64, len(ids)) // id -> (offset, length)
	for _, id := range ids {
		raw, err := json.Marshal(t.Nodes[id])
		if err != nil {
			return nil, fmt.Errorf("encoding node %d: %w", id, err)
		}
		compressed := zstdEncoder.EncodeAll(raw, nil)
		offsets[id] = [2]uint64{uint64(headerSize + len(payloads)), uint64(len(compressed))}
		payloads = append(payloads, compressed...)
	}

	indexOffset := uint64(headerSize + len(payloads))
	rootOffset := offsets[t.RootID][0]

	buf := make([]byte, 0, headerSize+len(payloads)+len(ids)*indexEntrySize)
	buf = append(buf, blobMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, blobVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ids)))
	buf = binary.LittleEndian.AppendUint64(buf, rootOffset)
	buf = binary.LittleEndian.AppendUint64(buf, indexOffset)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.RootID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.NextID()))
	buf = append(buf, payloads...)
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		buf = binary.LittleEndian.AppendUint64(buf, offsets[id][0])
		buf = binary.LittleEndian.AppendUint32(buf, uint32(offsets[id][1]))
	}
	return buf, nil
}

// Blob provides random access to an encoded tree without decoding all of it.
// The backing byte slice holds the whole blob file in memory; the store reads
// it with os.ReadFile and does not memory-map it.
type Blob struct {
	data   []byte
	index  map[NodeID][2]uint64
	rootID NodeID
	nextID NodeID
	count  int
}

// OpenBlob validates the header and reads the index table.
func OpenBlob(data []byte) (*Blob, error) {
	if len(data) < headerSize || string(data[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptBlob)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptBlob, version)
	}
	count := binary.LittleEndian.Uint64(data[8:16])
	indexOffset := binary.LittleEndian.Uint64(data[24:32])
	rootID := NodeID(binary.LittleEndian.Uint64(data[32:40]))
	nextID := NodeID(binary.LittleEndian.Uint64(data[40:48]))

	indexEnd := indexOffset + count*indexEntrySize
	if indexEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: index table out of bounds", ErrCorruptBlob)
	}

	index := make(map[NodeID][2]uint64, count)
	for i := uint64(0); i < count; i++ {
		entry := data[indexOffset+i*indexEntrySize:]
		id := NodeID(binary.LittleEndian.Uint64(entry[0:8]))
		offset := binary.LittleEndian.Uint64(entry[8:16])
		length := uint64(binary.LittleEndian.Uint32(entry[16:20]))
		if offset+length > uint64(len(data)) {
			return nil, fmt.Errorf("%w: node %d payload out of bounds", ErrCorruptBlob, id)
		}
		index[id] = [2]uint64{offset, length}
	}

	return &Blob{
		data:   data,
		index:  index,
		rootID: rootID,
		nextID: nextID,
		count:  int(count),
	}, nil
}

// Node decodes a single node payload.
func (b *Blob) Node(id NodeID) (*Node, error) {
	loc, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("node %d not in blob", id)
	}
	raw, err := zstdDecoder.DecodeAll(b.data[loc[0]:loc[0]+loc[1]], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing node %d: %v", ErrCorruptBlob, id, err)
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%w: decoding node %d: %v", ErrCorruptBlob, id, err)
	}
	return &node, nil
}

// RootID returns the root node id recorded in the header.
func (b *Blob) RootID() NodeID {
	return b.rootID
}

// NodeCount returns the number of nodes in the blob.
func (b *Blob) NodeCount() int {
	return b.count
}

// IDs returns every node id present in the blob.
func (b *Blob) IDs() []NodeID {
	ids := make([]NodeID, 0, len(b.index))
	for id := range b.index {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// DecodeTree reconstructs a full in-memory tree from a blob.
func DecodeTree(data []byte, rootPath string) (*Tree, error) {
	blob, err := OpenBlob(data)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		RootPath: rootPath,
		RootID:   blob.rootID,
		Nodes:    make(map[NodeID]*Node, blob.count),
		Deps:     NewGraph(),
		nextID:   blob.nextID,
	}
	for _, id := range blob.IDs() {
		node, err := blob.Node(id)
		if err != nil {
			return nil, err
		}
		t.Nodes[id] = node
	}
	t.RebuildPathIndex()
	return t, nil
}

// EncodeSkeleton serializes a skeleton as zstd-compressed JSON.
func EncodeSkeleton(s *Skeleton) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding skeleton: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeSkeleton reverses EncodeSkeleton.
func DecodeSkeleton(data []byte) (*Skeleton, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing skeleton: %w", err)
	}
	var s Skeleton
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding skeleton: %w", err)
	}
	return &s, nil
}

// EncodeGraph serializes a dependency graph as zstd-compressed JSON.
func EncodeGraph(g *Graph) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding deps: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeGraph reverses EncodeGraph.
func DecodeGraph(data []byte) (*Graph, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing deps: %w", err)
	}
	g := NewGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, fmt.Errorf("decoding deps: %w", err)
	}
	if g.Forward == nil {
		g.Forward = make(map[NodeID][]NodeID)
	}
	if g.Reverse == nil {
		g.Reverse = make(map[NodeID][]NodeID)
	}
	return g, nil
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
