package dict

import (
	"encoding/binary"
)

// Checkpoint binds an operation-log sequence number to the dictionary
// root at that point, optionally including a full tree serialization
// (spec §3).
type Checkpoint struct {
	CheckpointID      uint64
	Timestamp         uint64
	RootDigest        RootDigest
	OperationSequence uint64
	NodeCount         uint64
	SerializedTree    []byte // nil if not captured
}

// Encode serializes a checkpoint for storage.
func (c Checkpoint) Encode() []byte {
	buf := make([]byte, 0, 8+8+RootDigestLen+8+8+4+len(c.SerializedTree))
	buf = binary.BigEndian.AppendUint64(buf, c.CheckpointID)
	buf = binary.BigEndian.AppendUint64(buf, c.Timestamp)
	buf = append(buf, c.RootDigest[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.OperationSequence)
	buf = binary.BigEndian.AppendUint64(buf, c.NodeCount)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.SerializedTree)))
	buf = append(buf, c.SerializedTree...)
	return buf
}

// DecodeCheckpoint parses a checkpoint as written by Encode.
func DecodeCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	const minLen = 8 + 8 + RootDigestLen + 8 + 8 + 4
	if len(b) < minLen {
		return c, ErrMalformedNode
	}
	off := 0
	c.CheckpointID = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	c.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(c.RootDigest[:], b[off:off+RootDigestLen])
	off += RootDigestLen
	c.OperationSequence = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	c.NodeCount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	slen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) != off+slen {
		return c, ErrMalformedNode
	}
	if slen > 0 {
		c.SerializedTree = append([]byte(nil), b[off:off+slen]...)
	}
	return c, nil
}

// checkpointKey encodes a checkpoint id as a big-endian sort key.
func checkpointKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// serializeTree walks every node reachable from root in pre-order and
// writes each length-prefixed encoding, producing a self-contained tree
// snapshot usable by checkpoint restore without consulting the nodes
// partition.
func (e *Engine) serializeTree(root Digest) ([]byte, uint64, error) {
	var buf []byte
	var count uint64

	var walk func(d Digest) error
	walk = func(d Digest) error {
		if d == emptyDigest {
			return nil
		}
		n, err := e.load(d)
		if err != nil {
			return err
		}
		enc := n.Encode()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
		count++
		if !n.Leaf {
			if err := walk(n.Left); err != nil {
				return err
			}
			if err := walk(n.Right); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, 0, err
	}
	return buf, count, nil
}

// restoreSerializedTree decodes a tree snapshot produced by serializeTree,
// populating the node cache so subsequent lookups resolve without hitting
// the nodes partition.
func (e *Engine) restoreSerializedTree(blob []byte) error {
	off := 0
	for off < len(blob) {
		if off+4 > len(blob) {
			return ErrMalformedNode
		}
		l := int(binary.BigEndian.Uint32(blob[off : off+4]))
		off += 4
		if off+l > len(blob) {
			return ErrMalformedNode
		}
		n, err := DecodeNode(blob[off : off+l])
		if err != nil {
			return err
		}
		off += l
		e.cache[n.Digest()] = n
	}
	return nil
}
