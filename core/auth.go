package core

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
)

// sentinel strings sent over the wire at the end of the handshake and on
// several command paths.
const (
	sentinelOK  = "OK: accepted"
	sentinelBad = "BAD: "
)

// AuthParams is the parsed SAUTH command line (message C1 of the
// handshake):
//
//	SAUTH <iscrypt> <crypt_len> <challenge_len> [<enterprise_field>]
//
// iscrypt is 'y' when the client already holds this server's public key:
// the C1 challenge then arrives RSA-encrypted under it, and the server
// skips sending its own key back (S4/S5). If the enterprise field is
// omitted the cipher defaults to community ('c').
type AuthParams struct {
	IsCrypt      bool
	CryptLen     int
	ChallengeLen int
	CipherSel    byte
}

// ParseAuthParams parses the space-separated SAUTH argument line.
func ParseAuthParams(line string) (AuthParams, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 && len(fields) != 4 {
		return AuthParams{}, fmt.Errorf("sauth: expected 3 or 4 fields, got %d", len(fields))
	}
	p := AuthParams{CipherSel: 'c'}
	p.IsCrypt = fields[0] == "y"
	cryptLen, err := strconv.Atoi(fields[1])
	if err != nil {
		return AuthParams{}, fmt.Errorf("sauth: bad crypt_len: %w", err)
	}
	p.CryptLen = cryptLen
	challengeLen, err := strconv.Atoi(fields[2])
	if err != nil {
		return AuthParams{}, fmt.Errorf("sauth: bad challenge_len: %w", err)
	}
	p.ChallengeLen = challengeLen
	if len(fields) == 4 {
		if len(fields[3]) != 1 {
			return AuthParams{}, fmt.Errorf("sauth: bad enterprise field %q", fields[3])
		}
		p.CipherSel = fields[3][0]
	}
	return p, nil
}

// maxNonceMultiple bounds challenge_len and crypt_len to twice the
// configured nonce length.
const maxNonceMultiple = 2

// AuthContext bundles the collaborators ServerHandshake needs: the key
// store for the trust decision, the lastseen store to record success, this
// host's own key pair, and the configured nonce length.
type AuthContext struct {
	Keys        *KeyStore
	Seen        *Lastseen
	PrivateKey  *rsa.PrivateKey
	NonceLength int
}

// ServerHandshake runs the five-message RSA handshake, reading from and
// writing to rw, mutating conn in place. Any failed step returns a non-nil
// error, which the caller (dispatch, via ServeConn) logs before closing the
// connection; no state is carried across reconnects.
func ServerHandshake(ctx *AuthContext, conn *Conn, rw io.ReadWriter, sauthLine string) error {
	params, err := ParseAuthParams(sauthLine)
	if err != nil {
		return NewProtoError(KindProtocolViolation, "auth.parse", err)
	}
	bound := maxNonceMultiple * ctx.NonceLength
	if params.ChallengeLen <= 0 || params.ChallengeLen > bound || params.CryptLen < 0 || params.CryptLen > bound {
		return NewProtoError(KindProtocolViolation, "auth.bounds", fmt.Errorf("challenge_len=%d crypt_len=%d exceed bound %d", params.ChallengeLen, params.CryptLen, bound))
	}

	// C1 payload: the challenge, plaintext or RSA-encrypted under our
	// public key depending on iscrypt.
	payloadLen := params.ChallengeLen
	if params.IsCrypt {
		payloadLen = params.CryptLen
	}
	payload, more, err := Recv(rw)
	if err != nil {
		return err
	}
	if more || len(payload) != payloadLen {
		return NewProtoError(KindProtocolViolation, "auth.c1", fmt.Errorf("expected %d bytes, got %d (more=%v)", payloadLen, len(payload), more))
	}
	challenge := payload
	if params.IsCrypt {
		challenge, err = DecryptRSA(ctx.PrivateKey, payload)
		if err != nil {
			return NewProtoError(KindAuthFailure, "auth.c1.decrypt", err)
		}
		if len(challenge) != params.ChallengeLen {
			return NewProtoError(KindProtocolViolation, "auth.c1.decrypt", fmt.Errorf("decrypted challenge length mismatch"))
		}
	}

	// C2, C3: client public modulus and exponent, each its own frame.
	modBytes, more, err := Recv(rw)
	if err != nil {
		return err
	}
	if more {
		return NewProtoError(KindProtocolViolation, "auth.c2", fmt.Errorf("unexpected more-frame"))
	}
	expBytes, more, err := Recv(rw)
	if err != nil {
		return err
	}
	if more {
		return NewProtoError(KindProtocolViolation, "auth.c3", fmt.Errorf("unexpected more-frame"))
	}
	modulus, _, err := DecodeMPI(modBytes)
	if err != nil {
		return NewProtoError(KindProtocolViolation, "auth.c2.mpi", err)
	}
	exponent, _, err := DecodeMPI(expBytes)
	if err != nil {
		return NewProtoError(KindProtocolViolation, "auth.c3.mpi", err)
	}
	clientPub := &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}
	digest := IdentityDigest(clientPub)

	// S1 (implicit): trust decision.
	existing, err := ctx.Keys.HavePublicKey(conn.ClaimedUsername, conn.PeerIP, digest)
	if err != nil {
		return NewProtoError(KindFatal, "auth.s1.lookup", err)
	}
	if existing == nil {
		if !ctx.Keys.IsTrusted(conn.PeerIP) {
			_ = Send(rw, []byte(sentinelBad+"key could not be accepted on trust"), Done)
			return NewProtoError(KindAuthFailure, "auth.s1.trust", fmt.Errorf("untrusted key from %s", conn.PeerIP))
		}
		if err := ctx.Keys.SavePublicKey(conn.ClaimedUsername, digest, clientPub); err != nil {
			return NewProtoError(KindFatal, "auth.s1.save", err)
		}
	}
	if err := Send(rw, []byte(sentinelOK), Done); err != nil {
		return err
	}

	// S2: digest of the received challenge.
	if err := Send(rw, DigestChallenge(challenge), Done); err != nil {
		return err
	}

	// S3: counter-challenge, encrypted with the client's public key.
	counter, err := RandomChallenge(ctx.NonceLength)
	if err != nil {
		return NewProtoError(KindFatal, "auth.s3.rand", err)
	}
	encCounter, err := EncryptRSA(clientPub, counter)
	if err != nil {
		return NewProtoError(KindFatal, "auth.s3.encrypt", err)
	}
	if err := Send(rw, encCounter, Done); err != nil {
		return err
	}

	// S4, S5 (conditional): our own public modulus and exponent, sent only
	// when the client does not already hold our key (it would have
	// encrypted C1 under it otherwise).
	if !params.IsCrypt {
		if err := Send(rw, EncodeMPI(ctx.PrivateKey.PublicKey.N), Done); err != nil {
			return err
		}
		if err := Send(rw, EncodeMPI(big.NewInt(int64(ctx.PrivateKey.PublicKey.E))), Done); err != nil {
			return err
		}
	}

	// C4: digest of the decrypted counter-challenge.
	gotDigest, more, err := Recv(rw)
	if err != nil {
		return err
	}
	if more {
		return NewProtoError(KindProtocolViolation, "auth.c4", fmt.Errorf("unexpected more-frame"))
	}
	wantDigest := DigestChallenge(counter)
	if subtle.ConstantTimeCompare(gotDigest, wantDigest) != 1 {
		return NewProtoError(KindAuthFailure, "auth.c4.mismatch", fmt.Errorf("counter-challenge digest mismatch"))
	}

	// C5: session key, RSA-encrypted under our public key.
	encSessionKey, more, err := Recv(rw)
	if err != nil {
		return err
	}
	if more {
		return NewProtoError(KindProtocolViolation, "auth.c5", fmt.Errorf("unexpected more-frame"))
	}
	sessionKey, err := DecryptRSA(ctx.PrivateKey, encSessionKey)
	if err != nil {
		return NewProtoError(KindAuthFailure, "auth.c5.decrypt", err)
	}

	conn.RSAAuthenticated = true
	conn.SessionKey = sessionKey
	conn.CipherSelector = params.CipherSel
	conn.PeerDigest = digest
	conn.PeerPublicKey = clientPub
	conn.State = StateAuthenticated

	if ctx.Seen != nil {
		if err := ctx.Seen.LastSaw(conn.PeerIP.String(), digest, RoleAccept); err != nil {
			Logger().WithError(err).Warn("lastseen update failed after successful handshake")
		}
	}
	return nil
}

// validUsername applies the character whitelist to CAUTH's claimed
// username.
func validUsername(u string) bool {
	if u == "" || len(u) > 64 {
		return false
	}
	for _, r := range u {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// ParseCauth parses the arguments of a CAUTH command line
// ("CAUTH <ip> <hostname> <username> <sig>"), with the leading "CAUTH"
// token already stripped: "<ip> <hostname> <username> <sig>".
// The announced IP is accepted only to satisfy the wire format and is then
// ignored; the socket peer address is authoritative.
func ParseCauth(line string) (hostname, username string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return "", "", fmt.Errorf("cauth: expected 4 fields, got %d", len(fields))
	}
	hostname = strings.ToLower(fields[1])
	username = fields[2]
	if !validUsername(username) {
		return "", "", fmt.Errorf("cauth: invalid username %q", username)
	}
	return hostname, username, nil
}
