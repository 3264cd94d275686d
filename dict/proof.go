package dict

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInvalidProof is returned by Verify when an audit path does not
// reconstruct the claimed root digest.
var ErrInvalidProof = errors.New("dict: proof does not authenticate against root")

// MembershipProof authenticates that key maps to value under a given root
// (spec §3, "generate_proof").
type MembershipProof struct {
	Key   Key
	Value []byte
	Path  []AuditStep // leaf-to-root order
}

// NonMembershipProof authenticates that key is absent, by exhibiting the
// leaf that would sit adjacent to it in sorted order together with the
// audit path to that leaf.
type NonMembershipProof struct {
	Key          Key
	NeighborKey  Key
	NeighborValue []byte
	Path         []AuditStep
}

// BatchProof bundles multiple membership and non-membership proofs that
// share a single root, so a verifier can check many keys against one
// on-chain commitment at once.
type BatchProof struct {
	Members    []MembershipProof
	NonMembers []NonMembershipProof
}

const (
	proofTagMember    byte = 0x01
	proofTagNonMember byte = 0x02
)

func encodeAuditStep(buf []byte, s AuditStep) []byte {
	var flag byte
	if s.SiblingIsRight {
		flag = 1
	}
	buf = append(buf, flag)
	buf = append(buf, s.Height)
	buf = append(buf, s.Sibling[:]...)
	buf = append(buf, s.Sep[:]...)
	return buf
}

const auditStepLen = 1 + 1 + DigestLen + KeyLen

func decodeAuditStep(b []byte) (AuditStep, error) {
	if len(b) != auditStepLen {
		return AuditStep{}, ErrMalformedNode
	}
	var s AuditStep
	s.SiblingIsRight = b[0] == 1
	s.Height = b[1]
	off := 2
	copy(s.Sibling[:], b[off:off+DigestLen])
	off += DigestLen
	copy(s.Sep[:], b[off:off+KeyLen])
	return s, nil
}

func encodePath(buf []byte, path []AuditStep) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(path)))
	for _, s := range path {
		buf = encodeAuditStep(buf, s)
	}
	return buf
}

func decodePath(b []byte) ([]AuditStep, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrMalformedNode
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	path := make([]AuditStep, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < auditStepLen {
			return nil, nil, ErrMalformedNode
		}
		s, err := decodeAuditStep(b[:auditStepLen])
		if err != nil {
			return nil, nil, err
		}
		path = append(path, s)
		b = b[auditStepLen:]
	}
	return path, b, nil
}

// MarshalBinary serializes a MembershipProof.
func (p MembershipProof) MarshalBinary() ([]byte, error) {
	buf := []byte{proofTagMember}
	buf = append(buf, p.Key[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Value)))
	buf = append(buf, p.Value...)
	buf = encodePath(buf, p.Path)
	return buf, nil
}

// UnmarshalMembershipProof parses a proof written by MarshalBinary.
func UnmarshalMembershipProof(b []byte) (MembershipProof, error) {
	var p MembershipProof
	if len(b) < 1+KeyLen+4 || b[0] != proofTagMember {
		return p, ErrMalformedNode
	}
	off := 1
	copy(p.Key[:], b[off:off+KeyLen])
	off += KeyLen
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+vlen {
		return p, ErrMalformedNode
	}
	p.Value = append([]byte(nil), b[off:off+vlen]...)
	off += vlen
	path, rest, err := decodePath(b[off:])
	if err != nil {
		return p, err
	}
	if len(rest) != 0 {
		return p, ErrMalformedNode
	}
	p.Path = path
	return p, nil
}

// MarshalBinary serializes a NonMembershipProof.
func (p NonMembershipProof) MarshalBinary() ([]byte, error) {
	buf := []byte{proofTagNonMember}
	buf = append(buf, p.Key[:]...)
	buf = append(buf, p.NeighborKey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.NeighborValue)))
	buf = append(buf, p.NeighborValue...)
	buf = encodePath(buf, p.Path)
	return buf, nil
}

// UnmarshalNonMembershipProof parses a proof written by MarshalBinary.
func UnmarshalNonMembershipProof(b []byte) (NonMembershipProof, error) {
	var p NonMembershipProof
	if len(b) < 1+KeyLen*2+4 || b[0] != proofTagNonMember {
		return p, ErrMalformedNode
	}
	off := 1
	copy(p.Key[:], b[off:off+KeyLen])
	off += KeyLen
	copy(p.NeighborKey[:], b[off:off+KeyLen])
	off += KeyLen
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+vlen {
		return p, ErrMalformedNode
	}
	p.NeighborValue = append([]byte(nil), b[off:off+vlen]...)
	off += vlen
	path, rest, err := decodePath(b[off:])
	if err != nil {
		return p, err
	}
	if len(rest) != 0 {
		return p, ErrMalformedNode
	}
	p.Path = path
	return p, nil
}

// rootFromPath reconstructs a root digest by folding an audit path upward
// from a terminal leaf encoding.
func rootFromPath(leafDigest Digest, path []AuditStep) RootDigest {
	cur := leafDigest
	height := uint8(0)
	for _, s := range path {
		n := &Node{Leaf: false, Height: s.Height, Key: s.Sep}
		if s.SiblingIsRight {
			n.Left = cur
			n.Right = s.Sibling
		} else {
			n.Left = s.Sibling
			n.Right = cur
		}
		cur = n.Digest()
		height = s.Height
	}
	return NewRootDigest(height, cur)
}

// Verify checks a membership proof against a claimed root digest.
func (p MembershipProof) Verify(root RootDigest) error {
	leaf := &Node{Leaf: true, Key: p.Key, Value: p.Value}
	got := rootFromPath(leaf.Digest(), p.Path)
	if got != root {
		return ErrInvalidProof
	}
	return nil
}

// Verify checks a non-membership proof against a claimed root digest: the
// neighbor leaf must authenticate under root, key must not equal the
// neighbor key, and key must route through the same left/right decision
// at every ancestor separator in the path as the one that terminates at
// the neighbor leaf — without this, the proof only shows some unrelated
// leaf is present, not that key's own search would land there.
func (p NonMembershipProof) Verify(root RootDigest) error {
	if bytes.Equal(p.Key[:], p.NeighborKey[:]) {
		return ErrInvalidProof
	}
	for _, s := range p.Path {
		// SiblingIsRight true means the authenticated side was the left
		// child at this level (tree.go get()), so key must compare less
		// than the separator; false means it must compare greater or
		// equal.
		cmp := bytes.Compare(p.Key[:], s.Sep[:])
		if s.SiblingIsRight && cmp >= 0 {
			return ErrInvalidProof
		}
		if !s.SiblingIsRight && cmp < 0 {
			return ErrInvalidProof
		}
	}
	leaf := &Node{Leaf: true, Key: p.NeighborKey, Value: p.NeighborValue}
	got := rootFromPath(leaf.Digest(), p.Path)
	if got != root {
		return ErrInvalidProof
	}
	return nil
}

// Verify checks every proof in a batch against a single root digest.
func (bp BatchProof) Verify(root RootDigest) error {
	for _, m := range bp.Members {
		if err := m.Verify(root); err != nil {
			return err
		}
	}
	for _, nm := range bp.NonMembers {
		if err := nm.Verify(root); err != nil {
			return err
		}
	}
	return nil
}
