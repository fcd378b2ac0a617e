package core

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testTransferServer builds a *Server that admits every path rule so
// handler tests only need to exercise the transfer logic itself.
func testTransferServer(t *testing.T) *Server {
	t.Helper()
	cfg := Default()
	cfg.Paths.WorkDir = t.TempDir()
	return &Server{
		Config: cfg,
		Rules: []AccessRule{
			{Marker: MarkerPath, Pattern: cfg.Paths.WorkDir, Admit: []string{"*"}},
		},
	}
}

func readAllFrames(t *testing.T, buf *bytes.Buffer) ([][]byte, bool) {
	t.Helper()
	var frames [][]byte
	lastMore := false
	for buf.Len() > 0 {
		payload, more, err := Recv(buf)
		require.NoError(t, err)
		frames = append(frames, payload)
		lastMore = more
		if !more {
			break
		}
	}
	return frames, lastMore
}

func TestHandleGetServesWholeFileAcrossBlocks(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "update.cf")
	content := bytes.Repeat([]byte("x"), 25)
	require.NoError(t, os.WriteFile(path, content, 0600))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleGet(srv, conn, &buf, fmt.Sprintf("10 %s", path), false))

	frames, more := readAllFrames(t, &buf)
	require.False(t, more)
	var got []byte
	for _, f := range frames {
		got = append(got, f...)
	}
	require.Equal(t, content, got)
}

func TestHandleGetDefaultsBlockSizeOnParseFailure(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "small.cf")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleGet(srv, conn, &buf, fmt.Sprintf("notanumber %s", path), false))

	frames, more := readAllFrames(t, &buf)
	require.False(t, more)
	require.Equal(t, []byte("hello"), frames[0])
}

func TestHandleGetDeniedOutsideAdmittedPath(t *testing.T) {
	srv := testTransferServer(t)
	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	err := handleGet(srv, conn, &buf, "10 /etc/shadow", false)
	require.Error(t, err)
	var pe *ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindAccessDenied, pe.Kind)
}

func TestHandleGetMissingFileSendsFailedSentinel(t *testing.T) {
	srv := testTransferServer(t)
	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	path := filepath.Join(srv.Config.Paths.WorkDir, "missing.cf")
	err := handleGet(srv, conn, &buf, fmt.Sprintf("10 %s", path), false)
	require.Error(t, err)

	payload, _, recvErr := Recv(&buf)
	require.NoError(t, recvErr)
	require.Equal(t, blockSentinelFailed, string(payload))
}

func TestHandleGetEncryptsBlocksWhenRequested(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "secret.cf")
	content := []byte("classes: any::")
	require.NoError(t, os.WriteFile(path, content, 0600))

	key, err := GenerateSessionKey('c')
	require.NoError(t, err)
	conn := &Conn{State: StateAuthenticated, SessionKey: key, CipherSelector: 'c'}

	var buf bytes.Buffer
	require.NoError(t, handleGet(srv, conn, &buf, fmt.Sprintf("4096 %s", path), true))

	ciphertext, more, err := Recv(&buf)
	require.NoError(t, err)
	require.False(t, more)
	plain, err := DecryptBuffer('c', key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, content, plain)
}

func TestHandleGetDetectsMidTransferChange(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "grow.cf")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 45), 0600))

	// net.Pipe gives synchronous backpressure: the server blocks in Send
	// until the test reads the frame, so the source can be changed at a
	// known point after the third block, before block 4's re-stat.
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	conn := &Conn{State: StateAuthenticated}
	done := make(chan error, 1)
	go func() { done <- handleGet(srv, conn, serverSide, fmt.Sprintf("10 %s", path), false) }()

	for block := 1; block <= 2; block++ {
		payload, more, err := Recv(clientSide)
		require.NoError(t, err)
		require.True(t, more)
		require.Len(t, payload, 10)
	}

	// The server is now blocked sending block 3; its next re-stat is at
	// block 4. Grow the source before consuming block 3.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte("yyyy"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	third, more, err := Recv(clientSide)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, third, 10)

	// Block 4 carries the sentinel instead of data.
	sentinel, more, err := Recv(clientSide)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, blockSentinelChanged, string(sentinel))

	err = <-done
	require.Error(t, err)
	var pe *ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindSourceChanged, pe.Kind)
}

func TestRestatEveryThresholds(t *testing.T) {
	require.Equal(t, 3, restatEvery(1024))
	require.Equal(t, 32, restatEvery(tenMiB+1))
}

func TestResolveAndCheckAppliesAccessControl(t *testing.T) {
	srv := testTransferServer(t)
	conn := &Conn{State: StateAuthenticated}
	resolved := resolveAndCheck(srv, conn, filepath.Join(srv.Config.Paths.WorkDir, "x.cf"), false)
	require.False(t, resolved.denied)

	resolved = resolveAndCheck(srv, conn, "/root/.ssh/id_rsa", false)
	require.True(t, resolved.denied)
}

func TestHandleMD5MatchesComputedDigest(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "data.cf")
	content := []byte("some config content")
	require.NoError(t, os.WriteFile(path, content, 0600))
	sum := sha256.Sum256(content)
	digest := fmt.Sprintf("%x", sum)

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleMD5(srv, conn, &buf, fmt.Sprintf("%s %s", digest, path), false))

	reply, _, err := Recv(&buf)
	require.NoError(t, err)
	// Matching digests mean no transfer is needed, so the reply is
	// CFD_FALSE ("does it differ? no").
	require.Equal(t, "CFD_FALSE", string(reply))
}

func TestHandleMD5MismatchReturnsTrue(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "data.cf")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0600))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleMD5(srv, conn, &buf, fmt.Sprintf("deadbeef %s", path), false))

	reply, _, err := Recv(&buf)
	require.NoError(t, err)
	require.Equal(t, "CFD_TRUE", string(reply))
}
