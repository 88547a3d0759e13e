package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/khengleng/mycard-pay-protocol/storage"
)

func TestTrieCommitFlushPersistsData(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("card"))
	value := []byte("wallet")

	require.NoError(t, tr.Update(key.Bytes(), value))
	root, err := tr.Commit(common.Hash{}, 0)
	require.NoError(t, err)
	require.Equal(t, root, tr.Root())

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestTrieCopyIsIndependent(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("balance"))
	require.NoError(t, tr.Update(key.Bytes(), []byte{0x01}))

	checkpoint := tr.Copy()
	require.NoError(t, tr.Update(key.Bytes(), []byte{0x02}))
	require.NoError(t, tr.Delete(crypto.Keccak256([]byte("missing"))))

	got, err := checkpoint.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, got)

	got, err = tr.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte{0x02}, got)
	require.NotEqual(t, checkpoint.Hash(), tr.Hash())
}
