package core

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// caseInsensitiveFS reports whether the local filesystem folds case.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// Sentinel payloads sent in place of a data block when the transfer cannot
// continue. The client recognizes a frame as a sentinel rather than data
// when its payload matches one of these exactly, whatever the requested
// block size.
const (
	blockSentinelChanged = "CFD_CHANGED"
	blockSentinelFailed  = "CFD_FAILED"
)

// defaultBlockSize is used whenever the client-requested block size fails
// to parse.
const defaultBlockSize = 2048

// maxBlockSize bounds block size to the frame payload ceiling.
const maxBlockSize = MaxFrameLen

// restatEvery returns the block-count sampling interval for mid-transfer
// change detection: every 3rd block for small files, every 32nd for files
// over 10 MiB.
const tenMiB = 10 * 1024 * 1024

func restatEvery(fileSize int64) int {
	if fileSize > tenMiB {
		return 32
	}
	return 3
}

// handleGet serves GET and (via wrapEncrypted) SGET. args is
// "<maxBlockSize> <path>"; when encrypted is true every block is
// CBC-encrypted under the connection's session key before sending.
func handleGet(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return NewProtoError(KindProtocolViolation, "get.parse", fmt.Errorf("expected 2 fields, got %d", len(fields)))
	}
	blockSize, err := strconv.Atoi(fields[0])
	if err != nil || blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize
	}
	requestPath := fields[1]

	resolved := resolveAndCheck(srv, conn, requestPath, encrypted)
	if resolved.denied {
		sendBad(rw, "access denied")
		return NewProtoError(KindAccessDenied, "get.access", fmt.Errorf("denied: %s", requestPath))
	}
	conn.MapRoot = resolved.decision.MapRoot

	f, err := os.Open(resolved.path)
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(blockSentinelFailed), Done)
		return NewProtoError(KindReadError, "get.open", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(blockSentinelFailed), Done)
		return NewProtoError(KindReadError, "get.stat", err)
	}
	initialSize := info.Size()
	sampleEvery := restatEvery(initialSize)

	buf := make([]byte, blockSize)
	var sent int64
	blockNum := 0
	for {
		n, readErr := f.Read(buf)
		if readErr != nil && readErr != io.EOF {
			sendFrame(rw, conn, encrypted, []byte(blockSentinelFailed), Done)
			return NewProtoError(KindReadError, "get.read", readErr)
		}
		blockNum++
		sent += int64(n)
		last := readErr == io.EOF || n < blockSize

		// Sampled at blocks 1, 1+sampleEvery, 1+2·sampleEvery, ... so a
		// size change is caught at the next sampling point, at most
		// sampleEvery blocks after it happened.
		if (blockNum-1)%sampleEvery == 0 {
			if st, statErr := os.Stat(resolved.path); statErr == nil && st.Size() != initialSize {
				sendFrame(rw, conn, encrypted, []byte(blockSentinelChanged), Done)
				return NewProtoError(KindSourceChanged, "get.restat", fmt.Errorf("source changed mid-transfer: %s", resolved.path))
			}
		}

		status := More
		if last {
			status = Done
		}
		if err := sendFrame(rw, conn, encrypted, buf[:n], status); err != nil {
			return err
		}
		if last {
			break
		}
	}
	return nil
}

func sendFrame(rw io.ReadWriter, conn *Conn, encrypted bool, payload []byte, status Status) error {
	if encrypted {
		return sendEncrypted(rw, conn, payload, status)
	}
	return Send(rw, payload, status)
}

type resolvedRequest struct {
	path     string
	denied   bool
	decision Decision
}

// resolveAndCheck performs the shortcut resolution, path normalization, and
// access-control check every command path runs before serving a path-based
// request.
func resolveAndCheck(srv *Server, conn *Conn, requestPath string, encrypted bool) resolvedRequest {
	resolved := requestPath
	if srv.Shortcuts != nil {
		resolved = srv.Shortcuts.ResolvePath(requestPath, conn)
	}
	normalized := NormalizePath(resolved, "/var/cfengine", srv.Config.Paths.WorkDir, caseInsensitiveFS())

	decision := Evaluate(srv.Rules, MarkerPath, Request{
		Name:         normalized,
		PeerIP:       conn.PeerIP,
		PeerHostname: conn.ClaimedHostname,
		Encrypted:    encrypted,
		RSAAuth:      conn.RSAAuthenticated,
	})
	return resolvedRequest{path: normalized, denied: !decision.Allowed, decision: decision}
}
