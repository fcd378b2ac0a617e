package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLastseen(t *testing.T) *Lastseen {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lastseen.db")
	l, err := OpenLastseen(path, 0.6, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLastSawRecordsAcceptCoherently(t *testing.T) {
	l := openTestLastseen(t)
	require.NoError(t, l.LastSaw("10.0.0.5", "digest-a", RoleAccept))

	digest, err := l.AddressToDigest("10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "digest-a", digest)

	addr, err := l.DigestToAddress("digest-a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", addr)

	coherent, err := l.IsCoherent()
	require.NoError(t, err)
	require.True(t, coherent)
}

func TestLastSawConnectDirectionSkipsIndex(t *testing.T) {
	l := openTestLastseen(t)
	require.NoError(t, l.LastSaw("10.0.0.6", "digest-b", RoleConnect))

	digest, err := l.AddressToDigest("10.0.0.6")
	require.NoError(t, err)
	require.Empty(t, digest)
}

func TestLastSawRollsQualityAcrossObservations(t *testing.T) {
	l := openTestLastseen(t)
	require.NoError(t, l.LastSaw("10.0.0.7", "digest-c", RoleAccept))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.LastSaw("10.0.0.7", "digest-c", RoleAccept))

	var found bool
	require.NoError(t, l.Scan(func(sr ScanResult) bool {
		if sr.Digest == "digest-c" && sr.Role == RoleAccept {
			found = true
			require.Greater(t, sr.Entry.Quality.Expectation, 0.0)
		}
		return true
	}))
	require.True(t, found)
}

func TestRemoveHostDeletesCoherentTriple(t *testing.T) {
	l := openTestLastseen(t)
	require.NoError(t, l.LastSaw("10.0.0.8", "digest-d", RoleAccept))
	require.NoError(t, l.RemoveHost("10.0.0.8"))

	digest, err := l.AddressToDigest("10.0.0.8")
	require.NoError(t, err)
	require.Empty(t, digest)

	addr, err := l.DigestToAddress("digest-d")
	require.NoError(t, err)
	require.Empty(t, addr)
}

func TestScanGarbageCollectsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastseen.db")
	l, err := OpenLastseen(path, 0.6, time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.LastSaw("10.0.0.9", "digest-e", RoleAccept))
	time.Sleep(5 * time.Millisecond)

	var seenCount int
	require.NoError(t, l.Scan(func(sr ScanResult) bool {
		seenCount++
		return true
	}))
	require.Equal(t, 0, seenCount)

	digest, err := l.AddressToDigest("10.0.0.9")
	require.NoError(t, err)
	require.Equal(t, "digest-e", digest) // index entries survive GC; only the record itself is reaped
}
