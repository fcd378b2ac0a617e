package core

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// dirTerminatorString ends the packed-name listing OPENDIR/SOPENDIR
// return. Chosen, like the block sentinels, to be a string that never
// legitimately appears as a bare directory entry.
const dirTerminatorString = "CFD_TERMINATOR"

// handleOpendir serves OPENDIR and (via wrapEncrypted) SOPENDIR. args is the
// directory path. Entries are packed null-separated into frames no larger
// than MaxFrameLen, the last entry being the terminator string, following
// the more/done framing every other command uses.
func handleOpendir(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	requestPath := strings.TrimSpace(args)
	resolved := resolveAndCheck(srv, conn, requestPath, encrypted)
	if resolved.denied {
		sendBad(rw, "access denied")
		return NewProtoError(KindAccessDenied, "opendir.access", fmt.Errorf("denied: %s", requestPath))
	}

	entries, err := os.ReadDir(resolved.path)
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(dirTerminatorString), Done)
		return NewProtoError(KindReadError, "opendir.read", err)
	}

	names := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		names = append(names, e.Name())
	}
	names = append(names, dirTerminatorString)

	var batch []byte
	for i, name := range names {
		candidate := append(append([]byte{}, batch...), name...)
		candidate = append(candidate, 0)
		if len(candidate) > MaxFrameLen && len(batch) > 0 {
			if err := sendFrame(rw, conn, encrypted, batch, More); err != nil {
				return err
			}
			batch = append([]byte(name), 0)
		} else {
			batch = candidate
		}
		if i == len(names)-1 {
			if err := sendFrame(rw, conn, encrypted, batch, Done); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleSynch serves SYNCH and (via wrapEncrypted) SSYNCH: the client
// reports its local clock, and the server either refuses on excessive drift
// or replies with a multi-line stat block.
//
// args is "<epoch_seconds> <path>".
func handleSynch(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return NewProtoError(KindProtocolViolation, "synch.parse", fmt.Errorf("expected 2 fields, got %d", len(fields)))
	}
	remoteEpoch, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return NewProtoError(KindProtocolViolation, "synch.parse", err)
	}
	requestPath := fields[1]

	drift := time.Since(time.Unix(remoteEpoch, 0))
	if drift < 0 {
		drift = -drift
	}
	threshold := srv.Config.Clock.DriftThreshold
	if threshold > 0 && drift > threshold && srv.Config.Clock.DenyBadClocks {
		sendFrame(rw, conn, encrypted, []byte("BAD: clocks out of synch"), Done)
		return NewProtoError(KindClockSkew, "synch.drift", fmt.Errorf("drift %s exceeds threshold %s", drift, threshold))
	}

	resolved := resolveAndCheck(srv, conn, requestPath, encrypted)
	if resolved.denied {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"access denied"), Done)
		return NewProtoError(KindAccessDenied, "synch.access", fmt.Errorf("denied: %s", requestPath))
	}

	info, err := os.Lstat(resolved.path)
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"no such file or directory"), Done)
		return NewProtoError(KindNotFound, "synch.stat", err)
	}

	statLine, linkLine := formatStatLines(resolved.path, info)
	if err := sendFrame(rw, conn, encrypted, []byte(statLine), More); err != nil {
		return err
	}
	return sendFrame(rw, conn, encrypted, []byte(linkLine), Done)
}

// formatStatLines builds the two-line stat reply: a field-packed stat
// line, and a second line carrying the symlink target (empty when the
// entry isn't a symlink).
func formatStatLines(path string, info os.FileInfo) (statLine, linkLine string) {
	var fileType byte = 'f'
	switch {
	case info.IsDir():
		fileType = 'd'
	case info.Mode()&os.ModeSymlink != 0:
		fileType = 'l'
	}

	mode := uint32(info.Mode().Perm())
	lmode := mode

	var uid, gid, ino, nlink, dev uint64
	var atime, ctime int64 = info.ModTime().Unix(), info.ModTime().Unix()
	var blocks, blockSize int64 = -1, 512
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		uid, gid = uint64(st.Uid), uint64(st.Gid)
		ino, nlink, dev = st.Ino, uint64(st.Nlink), uint64(st.Dev)
		atime = st.Atim.Sec
		ctime = st.Ctim.Sec
		blocks = st.Blocks
		blockSize = 512
	}

	makeHoles := 0
	if blocks >= 0 && blocks*blockSize < info.Size() {
		makeHoles = 1
	}

	statLine = fmt.Sprintf("OK: %c %d %d %d %d %d %d %d %d %d %d %d %d",
		fileType, mode, lmode, uid, gid, info.Size(), atime, info.ModTime().Unix(), ctime, makeHoles, ino, nlink, dev)

	linkLine = "OK:"
	if fileType == 'l' {
		if target, err := os.Readlink(path); err == nil {
			linkLine += target
		}
	}
	return statLine, linkLine
}

// handleMD5 serves MD5 and (via wrapEncrypted) SMD5: it recomputes the
// content digest of the named file and compares it against the digest the
// client already holds. Despite the command's historical name, the
// comparison uses the default digest (SHA-256) unless the client explicitly
// asks for legacy MD5 (args ends in " md5").
//
// args is "<hexdigest> <path> [md5]".
func handleMD5(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		return NewProtoError(KindProtocolViolation, "md5.parse", fmt.Errorf("expected 2 or 3 fields, got %d", len(fields)))
	}
	clientDigest := strings.ToLower(fields[0])
	requestPath := fields[1]
	legacyMD5 := len(fields) == 3 && strings.EqualFold(fields[2], "md5")

	resolved := resolveAndCheck(srv, conn, requestPath, encrypted)
	if resolved.denied {
		sendFrame(rw, conn, encrypted, []byte("CFD_FALSE"), Done)
		return NewProtoError(KindAccessDenied, "md5.access", fmt.Errorf("denied: %s", requestPath))
	}

	f, err := os.Open(resolved.path)
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte("CFD_FALSE"), Done)
		return NewProtoError(KindReadError, "md5.open", err)
	}
	defer f.Close()

	var h hash.Hash
	if legacyMD5 {
		h = md5.New()
	} else {
		h = sha256.New()
	}
	if _, err := io.Copy(h, f); err != nil {
		sendFrame(rw, conn, encrypted, []byte("CFD_FALSE"), Done)
		return NewProtoError(KindReadError, "md5.read", err)
	}
	computed := fmt.Sprintf("%x", h.Sum(nil))

	// A mismatch means a transfer is needed, so CFD_TRUE answers the
	// caller's question "does it differ?" in the affirmative; a match
	// gets CFD_FALSE.
	reply := "CFD_FALSE"
	if computed != clientDigest {
		reply = "CFD_TRUE"
	}
	return sendFrame(rw, conn, encrypted, []byte(reply), Done)
}
