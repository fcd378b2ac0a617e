package core

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleOpendirListsEntriesAndTerminates(t *testing.T) {
	srv := testTransferServer(t)
	dir := srv.Config.Paths.WorkDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cf"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cf"), []byte("b"), 0600))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleOpendir(srv, conn, &buf, dir, false))

	frames, more := readAllFrames(t, &buf)
	require.False(t, more)
	var names []string
	for _, f := range frames {
		for _, name := range strings.Split(strings.TrimRight(string(f), "\x00"), "\x00") {
			if name != "" {
				names = append(names, name)
			}
		}
	}
	require.Contains(t, names, "a.cf")
	require.Contains(t, names, "b.cf")
	require.Equal(t, dirTerminatorString, names[len(names)-1])
}

func TestHandleOpendirDeniedOutsideAdmittedPath(t *testing.T) {
	srv := testTransferServer(t)
	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	err := handleOpendir(srv, conn, &buf, "/root", false)
	require.Error(t, err)
	var pe *ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindAccessDenied, pe.Kind)
}

func TestHandleSynchRejectsExcessiveClockDrift(t *testing.T) {
	srv := testTransferServer(t)
	srv.Config.Clock.DriftThreshold = time.Minute
	srv.Config.Clock.DenyBadClocks = true

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	staleEpoch := time.Now().Add(-time.Hour).Unix()
	err := handleSynch(srv, conn, &buf, fmtSynchArgs(staleEpoch, filepath.Join(srv.Config.Paths.WorkDir, "x.cf")), false)
	require.Error(t, err)
	var pe *ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindClockSkew, pe.Kind)

	reply, _, recvErr := Recv(&buf)
	require.NoError(t, recvErr)
	require.Contains(t, string(reply), "clocks out of synch")
}

func TestHandleSynchReturnsStatBlockForFreshClock(t *testing.T) {
	srv := testTransferServer(t)
	path := filepath.Join(srv.Config.Paths.WorkDir, "fresh.cf")
	require.NoError(t, os.WriteFile(path, []byte("body"), 0600))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleSynch(srv, conn, &buf, fmtSynchArgs(time.Now().Unix(), path), false))

	statLine, more, err := Recv(&buf)
	require.NoError(t, err)
	require.True(t, more)
	require.True(t, strings.HasPrefix(string(statLine), "OK: f "))

	linkLine, more, err := Recv(&buf)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, "OK:", string(linkLine))
}

func TestHandleSynchReportsSymlinkTarget(t *testing.T) {
	srv := testTransferServer(t)
	dir := srv.Config.Paths.WorkDir
	target := filepath.Join(dir, "real.cf")
	require.NoError(t, os.WriteFile(target, []byte("body"), 0600))
	link := filepath.Join(dir, "link.cf")
	require.NoError(t, os.Symlink(target, link))

	conn := &Conn{State: StateAuthenticated}
	var buf bytes.Buffer
	require.NoError(t, handleSynch(srv, conn, &buf, fmtSynchArgs(time.Now().Unix(), link), false))

	statLine, _, err := Recv(&buf)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(statLine), "OK: l "))

	linkLine, _, err := Recv(&buf)
	require.NoError(t, err)
	require.Equal(t, "OK:"+target, string(linkLine))
}

func fmtSynchArgs(epoch int64, path string) string {
	return strconv.FormatInt(epoch, 10) + " " + path
}
