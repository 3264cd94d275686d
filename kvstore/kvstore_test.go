package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionIsolation(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	nodes := s.Partition("nodes")
	ops := s.Partition("operations")

	require.NoError(t, nodes.Put([]byte("k"), []byte("node-value")))
	require.NoError(t, ops.Put([]byte("k"), []byte("op-value")))

	v, err := nodes.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("node-value"), v)

	v, err = ops.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("op-value"), v)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Partition("metadata").Get([]byte("absent"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIteratorOrderedByKey(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	p := s.Partition("operations")
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, p.Put([]byte(k), []byte(k)))
	}

	it := p.Iterator(nil)
	defer it.Release()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTransactionAtomicAcrossPartitions(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.NewTransaction()
	require.NoError(t, err)

	nodes := tx.Partition("nodes")
	meta := tx.Partition("metadata")
	require.NoError(t, nodes.Put([]byte("n1"), []byte("node")))
	require.NoError(t, meta.Put([]byte("seq"), []byte{0, 0, 0, 0, 0, 0, 0, 1}))
	require.NoError(t, tx.Commit())

	v, err := s.Partition("nodes").Get([]byte("n1"))
	require.NoError(t, err)
	require.Equal(t, []byte("node"), v)

	v, err = s.Partition("metadata").Get([]byte("seq"))
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, v)
}
