package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitDeterministic(t *testing.T) {
	data := make([]byte, 4*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	params := Params{MinSize: 64 * 1024, AvgSize: 256 * 1024, MaxSize: 1024 * 1024}

	chunksA, err := SplitBytes(data, params)
	require.NoError(t, err)
	chunksB, err := SplitBytes(data, params)
	require.NoError(t, err)

	require.Equal(t, chunksA, chunksB)

	var total int
	for _, c := range chunksA {
		total += len(c)
	}
	require.Equal(t, len(data), total)

	reassembled := bytes.Join(chunksA, nil)
	require.Equal(t, data, reassembled)
}

func TestSplitBoundariesShiftLocally(t *testing.T) {
	data := make([]byte, 2*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	params := Params{MinSize: 32 * 1024, AvgSize: 128 * 1024, MaxSize: 512 * 1024}

	original, err := SplitBytes(data, params)
	require.NoError(t, err)

	inserted := make([]byte, 0, len(data)+16)
	inserted = append(inserted, data[:1024]...)
	inserted = append(inserted, []byte("0123456789ABCDEF")...)
	inserted = append(inserted, data[1024:]...)

	edited, err := SplitBytes(inserted, params)
	require.NoError(t, err)

	// Chunks well past the edit point should be byte-identical: the
	// rolling hash converges again within O(avg size) of the insertion.
	tailA := original[len(original)-1]
	tailB := edited[len(edited)-1]
	require.Equal(t, tailA, tailB)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	require.Error(t, Params{MinSize: 10, AvgSize: 5, MaxSize: 20}.Validate())
	require.Error(t, Params{}.Validate())
	require.NoError(t, DefaultParams.Validate())
}
