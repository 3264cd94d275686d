package dict

import (
	"encoding/binary"
)

// OperationLogEntry is one durable record of a dictionary mutation (spec
// §3). Sequence numbers are strictly monotone with no gaps, assigned by
// the engine itself.
type OperationLogEntry struct {
	Sequence       uint64
	Kind           OperationKind
	Timestamp      uint64
	Key            Key
	Value          []byte
	PreviousValue  []byte // nil for Insert
	RootBefore     RootDigest
	RootAfter      RootDigest
}

// Encode serializes an operation log entry for storage.
func (e OperationLogEntry) Encode() []byte {
	buf := make([]byte, 0, 8+1+8+KeyLen+4+len(e.Value)+4+len(e.PreviousValue)+RootDigestLen*2)
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	buf = append(buf, byte(e.Kind))
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = append(buf, e.Key[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.PreviousValue)))
	buf = append(buf, e.PreviousValue...)
	buf = append(buf, e.RootBefore[:]...)
	buf = append(buf, e.RootAfter[:]...)
	return buf
}

// DecodeOperationLogEntry parses an entry as written by Encode.
func DecodeOperationLogEntry(b []byte) (OperationLogEntry, error) {
	var e OperationLogEntry
	const minLen = 8 + 1 + 8 + KeyLen + 4 + 4 + RootDigestLen*2
	if len(b) < minLen {
		return e, ErrMalformedNode
	}
	off := 0
	e.Sequence = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.Kind = OperationKind(b[off])
	off++
	e.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(e.Key[:], b[off:off+KeyLen])
	off += KeyLen

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+vlen {
		return e, ErrMalformedNode
	}
	e.Value = append([]byte(nil), b[off:off+vlen]...)
	off += vlen

	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+plen+RootDigestLen*2 {
		return e, ErrMalformedNode
	}
	if plen > 0 {
		e.PreviousValue = append([]byte(nil), b[off:off+plen]...)
	}
	off += plen

	copy(e.RootBefore[:], b[off:off+RootDigestLen])
	off += RootDigestLen
	copy(e.RootAfter[:], b[off:off+RootDigestLen])

	return e, nil
}

// seqKey encodes a sequence number as a big-endian sort key for the
// operations partition.
func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
