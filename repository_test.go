package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	store := newMemStore()
	secret := []byte("swordfish")

	repo, err := Create(store, DefaultConfig(), secret)
	require.NoError(t, err)

	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())
	require.NoError(t, repo.Close())

	reopened, err := Open(store, secret)
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.Contains([]byte("k")))
	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	buf := make([]byte, 7)
	n, err := got.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("right"))
	require.NoError(t, err)
	require.NoError(t, repo.Commit())
	require.NoError(t, repo.Close())

	_, err = Open(store, []byte("wrong"))
	require.Error(t, err)
	require.Equal(t, KindPassword, KindOf(err))
}

func TestRollbackDiscardsStagedMutations(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)

	h, err := repo.Insert([]byte("committed"))
	require.NoError(t, err)
	_, err = h.Write([]byte("v1"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())

	h2, err := repo.Insert([]byte("staged-only"))
	require.NoError(t, err)
	_, err = h2.Write([]byte("v2"))
	require.NoError(t, err)
	require.NoError(t, h2.Close())
	require.True(t, repo.Contains([]byte("staged-only")))

	require.NoError(t, repo.Rollback())

	require.True(t, repo.Contains([]byte("committed")))
	require.False(t, repo.Contains([]byte("staged-only")))
}

func TestCommitFailureLeavesPriorStateReadable(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)

	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("v1"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())

	h2, err := repo.Get([]byte("k"))
	require.NoError(t, err)
	_, err = h2.Write([]byte("v2-not-committed"))
	require.NoError(t, err)
	require.NoError(t, h2.Close())

	// Force Commit to fail before the header write by injecting a failure
	// on the next Put (the metadata chunk write during Commit).
	store.failPut = store.putCount + 1

	err = repo.Commit()
	require.Error(t, err)

	// A fresh Open must still see the last successfully committed value,
	// since the pointer block was never touched.
	require.NoError(t, repo.Close())
	store.failPut = 0
	reopened, err := Open(store, []byte("secret"))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := got.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "v1", string(buf[:n]))
}

func TestRemoveThenCleanReclaimsBlocks(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)

	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("some data to chunk and store"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())

	before, err := store.List()
	require.NoError(t, err)

	ok, err := repo.Remove([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Commit())
	require.NoError(t, repo.Clean())

	after, err := store.List()
	require.NoError(t, err)
	require.Less(t, len(after), len(before))
}

func TestChangePasswordThenOpenWithNewSecret(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("old-secret"))
	require.NoError(t, err)

	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())

	require.NoError(t, repo.ChangePassword([]byte("new-secret")))
	require.NoError(t, repo.Close())

	_, err = Open(store, []byte("old-secret"))
	require.Error(t, err)

	reopened, err := Open(store, []byte("new-secret"))
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.Contains([]byte("k")))
}

func TestSavepointRestore(t *testing.T) {
	repo := newTestRepo(t)

	h, err := repo.Insert([]byte("a"))
	require.NoError(t, err)
	_, err = h.Write([]byte("before"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	sp := repo.Savepoint()

	h2, err := repo.Insert([]byte("b"))
	require.NoError(t, err)
	_, err = h2.Write([]byte("after"))
	require.NoError(t, err)
	require.NoError(t, h2.Close())
	require.True(t, repo.Contains([]byte("b")))

	require.NoError(t, repo.Restore(sp))
	require.True(t, repo.Contains([]byte("a")))
	require.False(t, repo.Contains([]byte("b")))
}

func TestSavepointInvalidatedByCommit(t *testing.T) {
	repo := newTestRepo(t)
	sp := repo.Savepoint()
	require.NoError(t, repo.Commit())
	require.Error(t, repo.Restore(sp))
}

func TestVerifyReportsCorruptedObjects(t *testing.T) {
	repo := newTestRepo(t)

	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("integrity checked payload"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())

	span := repo.root.Objects["k"].Spans[0]
	ref, found := repo.layer.Index().Get(span.Digest)
	require.True(t, found)
	frame, err := repo.store.Get(ref.BlockID)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	require.NoError(t, repo.store.Put(ref.BlockID, frame))

	bad, err := repo.Verify()
	require.NoError(t, err)
	require.Len(t, bad, 1)
	require.Equal(t, "k", string(bad[0]))
}

func TestSecondOpenIsLockedOut(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, repo.Commit())

	_, err = Open(store, []byte("secret"))
	require.Error(t, err)
	require.Equal(t, KindLocked, KindOf(err))

	require.NoError(t, repo.Close())
	reopened, err := Open(store, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestReadOnlyOpenSucceedsWhileWriterHoldsExclusiveLock(t *testing.T) {
	store := newMemStore()
	writer, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)

	h, err := writer.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("committed value"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, writer.Commit())

	// The writer keeps its exclusive lock open (no Close yet). A second
	// writable open is still rejected...
	_, err = Open(store, []byte("secret"))
	require.Error(t, err)
	require.Equal(t, KindLocked, KindOf(err))

	// ...but a read-only open succeeds and observes the committed state.
	reader, err := Open(store, []byte("secret"), WithReadOnly())
	require.NoError(t, err)

	got, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	buf := make([]byte, len("committed value"))
	n, err := got.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "committed value", string(buf[:n]))

	require.NoError(t, reader.Close())
	require.NoError(t, writer.Close())
}

func TestReadOnlyRepositoryRejectsMutations(t *testing.T) {
	store := newMemStore()
	repo, err := Create(store, DefaultConfig(), []byte("secret"))
	require.NoError(t, err)
	h, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = h.Write([]byte("v"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, repo.Commit())
	require.NoError(t, repo.Close())

	reader, err := Open(store, []byte("secret"), WithReadOnly())
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Insert([]byte("new"))
	require.Error(t, err)

	got, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	_, err = got.Write([]byte("nope"))
	require.Error(t, err)

	require.Error(t, reader.Commit())
	require.Error(t, reader.Clean())
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Insert([]byte("k"))
	require.NoError(t, err)
	_, err = repo.Insert([]byte("k"))
	require.Error(t, err)
	require.Equal(t, KindAlreadyExists, KindOf(err))
}
