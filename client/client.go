package client

import (
	"crypto/rsa"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"confsyncd/core"
)

// PeerConn is the client-side analogue of core.Conn: the socket plus the
// negotiated session state of one connection to one server.
type PeerConn struct {
	raw            net.Conn
	Server         string // the pool key: resolved server IP
	SessionKey     []byte
	CipherSelector byte
	ServerPublic   *rsa.PublicKey
}

// Close closes the underlying socket.
func (c *PeerConn) Close() error { return c.raw.Close() }

// HandshakeParams configures a client handshake.
type HandshakeParams struct {
	PrivateKey  *rsa.PrivateKey
	Username    string
	Hostname    string
	NonceLength int
	CipherSel   byte
	// KnownServerKey is the server's public key from a previous successful
	// handshake, if any. When nil the client requests the server's key on
	// this connection (trust on first use) and, if Keys is non-nil and the
	// peer is trusted, persists it.
	KnownServerKey *rsa.PublicKey
	Keys           *core.KeyStore
}

// Dial connects to addr, resolves it to a pool key, runs the handshake, and
// returns an authenticated PeerConn. Background (parallel) callers use Dial
// directly and never touch the pool; the connection is opened, used, and
// closed within the child task. Serial callers should check the pool first
// via DialPooled.
func Dial(addr string, connectTimeout time.Duration, params HandshakeParams) (*PeerConn, string, error) {
	raw, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, "", core.NewProtoError(core.KindTimeout, "client.dial", err)
	}
	host, _, _ := net.SplitHostPort(raw.RemoteAddr().String())

	conn := &PeerConn{raw: raw, Server: host, CipherSelector: params.CipherSel}
	if err := clientHandshake(conn, params); err != nil {
		raw.Close()
		return nil, host, err
	}
	return conn, host, nil
}

// DialPooled returns a pooled idle connection to server if one exists,
// otherwise dials a fresh one and caches it. It never dials a server the
// pool has already marked offline this run. The pool key is the resolved
// IP, not the unresolved name, so aliases of the same host share one cache
// slot.
func DialPooled(pool *Pool, addr string, connectTimeout time.Duration, params HandshakeParams) (*PeerConn, error) {
	key := addr
	if tcpAddr, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		key = tcpAddr.IP.String()
	}
	if idle := pool.GetIdle(key); idle != nil {
		return idle, nil
	}
	if pool.IsOffline(key) {
		return nil, core.NewProtoError(core.KindTimeout, "client.dial.offline", fmt.Errorf("%s marked offline", addr))
	}
	conn, host, err := Dial(addr, connectTimeout, params)
	if err != nil {
		pool.MarkOffline(key)
		return nil, err
	}
	pool.Cache(conn, host)
	return conn, nil
}

// clientHandshake drives the five-message RSA handshake from the client
// side, the mirror image of core.ServerHandshake.
func clientHandshake(conn *PeerConn, p HandshakeParams) error {
	raw := conn.raw

	sig := "-"
	cauthLine := fmt.Sprintf("CAUTH %s %s %s %s", conn.Server, p.Hostname, p.Username, sig)
	if err := core.Send(raw, []byte(cauthLine), core.Done); err != nil {
		return err
	}
	if err := expectOK(raw); err != nil {
		return err
	}

	challenge, err := core.RandomChallenge(p.NonceLength)
	if err != nil {
		return core.NewProtoError(core.KindFatal, "client.handshake.rand", err)
	}

	// C1: when we already hold the server's key, the challenge travels
	// RSA-encrypted under it and iscrypt tells the server not to send its
	// key back (S4/S5). On a first contact the challenge goes plaintext
	// and we learn the server's key from S4/S5 instead.
	iscrypt := "n"
	cryptLen := 0
	payload := challenge
	if p.KnownServerKey != nil {
		enc, err := core.EncryptRSA(p.KnownServerKey, challenge)
		if err != nil {
			return core.NewProtoError(core.KindFatal, "client.handshake.c1.encrypt", err)
		}
		iscrypt = "y"
		cryptLen = len(enc)
		payload = enc
	}
	sauthLine := fmt.Sprintf("SAUTH %s %d %d %c", iscrypt, cryptLen, len(challenge), p.CipherSel)
	if err := core.Send(raw, []byte(sauthLine), core.Done); err != nil {
		return err
	}
	if err := core.Send(raw, payload, core.Done); err != nil {
		return err
	}

	// C2, C3: our own public modulus and exponent.
	if err := core.Send(raw, core.EncodeMPI(p.PrivateKey.PublicKey.N), core.Done); err != nil {
		return err
	}
	if err := core.Send(raw, core.EncodeMPI(big.NewInt(int64(p.PrivateKey.PublicKey.E))), core.Done); err != nil {
		return err
	}

	// S1: trust decision.
	if err := expectOK(raw); err != nil {
		return core.NewProtoError(core.KindAuthFailure, "client.handshake.s1", err)
	}

	// S2: digest of our challenge.
	gotDigest, more, err := core.Recv(raw)
	if err != nil {
		return err
	}
	if more {
		return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s2", fmt.Errorf("unexpected more-frame"))
	}
	wantDigest := core.DigestChallenge(challenge)
	if string(gotDigest) != string(wantDigest) {
		return core.NewProtoError(core.KindAuthFailure, "client.handshake.s2.mismatch", fmt.Errorf("challenge digest mismatch"))
	}

	// S3: counter-challenge, RSA-encrypted under our public key.
	encCounter, more, err := core.Recv(raw)
	if err != nil {
		return err
	}
	if more {
		return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s3", fmt.Errorf("unexpected more-frame"))
	}
	counter, err := core.DecryptRSA(p.PrivateKey, encCounter)
	if err != nil {
		return core.NewProtoError(core.KindAuthFailure, "client.handshake.s3.decrypt", err)
	}

	serverPub := p.KnownServerKey
	if serverPub == nil {
		modBytes, more, err := core.Recv(raw)
		if err != nil {
			return err
		}
		if more {
			return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s4", fmt.Errorf("unexpected more-frame"))
		}
		expBytes, more, err := core.Recv(raw)
		if err != nil {
			return err
		}
		if more {
			return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s5", fmt.Errorf("unexpected more-frame"))
		}
		modulus, _, err := core.DecodeMPI(modBytes)
		if err != nil {
			return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s4.mpi", err)
		}
		exponent, _, err := core.DecodeMPI(expBytes)
		if err != nil {
			return core.NewProtoError(core.KindProtocolViolation, "client.handshake.s5.mpi", err)
		}
		serverPub = &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}
		if p.Keys != nil {
			digest := core.IdentityDigest(serverPub)
			host, _, _ := net.SplitHostPort(conn.raw.RemoteAddr().String())
			if p.Keys.IsTrusted(net.ParseIP(host)) {
				_ = p.Keys.SavePublicKey("server", digest, serverPub)
			}
		}
	}
	conn.ServerPublic = serverPub

	// C4: digest of the decrypted counter-challenge.
	if err := core.Send(raw, core.DigestChallenge(counter), core.Done); err != nil {
		return err
	}

	// C5: session key, RSA-encrypted under the server's public key.
	sessionKey, err := core.GenerateSessionKey(p.CipherSel)
	if err != nil {
		return core.NewProtoError(core.KindFatal, "client.handshake.sessionkey", err)
	}
	encSessionKey, err := core.EncryptRSA(serverPub, sessionKey)
	if err != nil {
		return core.NewProtoError(core.KindFatal, "client.handshake.sessionkey.encrypt", err)
	}
	if err := core.Send(raw, encSessionKey, core.Done); err != nil {
		return err
	}

	conn.SessionKey = sessionKey
	return nil
}

func expectOK(raw net.Conn) error {
	payload, more, err := core.Recv(raw)
	if err != nil {
		return err
	}
	if more || !strings.HasPrefix(string(payload), "OK") {
		return core.NewProtoError(core.KindAuthFailure, "client.handshake.expectok", fmt.Errorf("got %q", payload))
	}
	return nil
}

// Get requests path from the server and writes it to destPath. The
// destination is unlinked before being opened create-exclusive at mode
// 0600, preventing a symlink at destPath from redirecting the write. The
// final (possibly short) block's exact length is preserved; no truncation
// beyond what was actually received is applied since the file is never
// pre-sized.
func (c *PeerConn) Get(path string, blockSize int, destPath string) error {
	line := fmt.Sprintf("GET %d %s", blockSize, path)
	if err := core.Send(c.raw, []byte(line), core.Done); err != nil {
		return err
	}

	_ = os.Remove(destPath)
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return core.NewProtoError(core.KindFatal, "client.get.create", err)
	}
	defer f.Close()

	for {
		payload, more, err := core.Recv(c.raw)
		if err != nil {
			return err
		}
		switch string(payload) {
		case "CFD_FAILED":
			return core.NewProtoError(core.KindReadError, "client.get.failed", fmt.Errorf("server reported read failure"))
		case "CFD_CHANGED":
			return core.NewProtoError(core.KindSourceChanged, "client.get.changed", fmt.Errorf("source changed mid-transfer"))
		}
		if _, err := f.Write(payload); err != nil {
			return core.NewProtoError(core.KindFatal, "client.get.write", err)
		}
		if !more {
			break
		}
	}
	return nil
}

// Version issues VERSION and returns the server's reply line.
func (c *PeerConn) Version() (string, error) {
	if err := core.Send(c.raw, []byte("VERSION"), core.Done); err != nil {
		return "", err
	}
	payload, _, err := core.Recv(c.raw)
	return string(payload), err
}

// Synch issues SYNCH for path, reporting the local clock, and returns the
// two stat-reply lines.
func (c *PeerConn) Synch(path string) (statLine, linkLine string, err error) {
	line := fmt.Sprintf("SYNCH %d %s", time.Now().Unix(), path)
	if err := core.Send(c.raw, []byte(line), core.Done); err != nil {
		return "", "", err
	}
	first, more, err := core.Recv(c.raw)
	if err != nil {
		return "", "", err
	}
	if !more {
		return string(first), "", nil
	}
	second, _, err := core.Recv(c.raw)
	if err != nil {
		return "", "", err
	}
	return string(first), string(second), nil
}

// MD5 issues MD5, comparing localDigest against the server's own digest of
// path, and reports whether they matched. The server replies CFD_TRUE when
// the digests differ and CFD_FALSE when they match.
func (c *PeerConn) MD5(path, localDigest string) (match bool, err error) {
	line := fmt.Sprintf("MD5 %s %s", localDigest, path)
	if err := core.Send(c.raw, []byte(line), core.Done); err != nil {
		return false, err
	}
	payload, _, err := core.Recv(c.raw)
	if err != nil {
		return false, err
	}
	return string(payload) == "CFD_FALSE", nil
}

// Var issues VAR for name and returns its value.
func (c *PeerConn) Var(name string) (string, error) {
	if err := core.Send(c.raw, []byte("VAR "+name), core.Done); err != nil {
		return "", err
	}
	payload, _, err := core.Recv(c.raw)
	if err != nil {
		return "", err
	}
	reply := string(payload)
	if !strings.HasPrefix(reply, "OK: ") {
		return "", core.NewProtoError(core.KindNotFound, "client.var", fmt.Errorf("%s", reply))
	}
	return strings.TrimPrefix(reply, "OK: "), nil
}

// Opendir issues OPENDIR for path and returns the directory's entry names.
func (c *PeerConn) Opendir(path string) ([]string, error) {
	if err := core.Send(c.raw, []byte("OPENDIR "+path), core.Done); err != nil {
		return nil, err
	}
	var names []string
	for {
		payload, more, err := core.Recv(c.raw)
		if err != nil {
			return nil, err
		}
		for _, name := range strings.Split(strings.TrimRight(string(payload), "\x00"), "\x00") {
			if name == "" || name == "CFD_TERMINATOR" {
				continue
			}
			names = append(names, name)
		}
		if !more {
			break
		}
	}
	return names, nil
}
