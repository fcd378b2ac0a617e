package core

import (
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Server holds every process-wide collaborator the protocol state machine
// needs to serve one connection. It is constructed once at process start
// and passed by reference; a Server is safe for concurrent use by many
// goroutines, one per accepted connection (see ServeConn).
type Server struct {
	Config     *Config
	Keys       *KeyStore
	Seen       *Lastseen
	Rules      []AccessRule
	Shortcuts  ShortcutTable
	Executor   Executor
	PrivateKey *rsa.PrivateKey

	// Literal values servable via VAR/SVAR.
	Variables map[string]string
	// Persistent class names servable via CONTEXT/SCONTEXT.
	Classes []string
	// QueryHandler serves SQUERY; nil means the command is refused.
	QueryHandler func(name string) ([]byte, error)
	// CallbackSink receives SCALLBACK payloads; nil means the command is
	// refused.
	CallbackSink func([]byte)

	// Terminating is the server-wide pending-termination flag, checked at
	// the top of each command dispatch. The connection closes after the
	// current command completes when set.
	Terminating func() bool
}

type handlerFunc func(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error

var commandTable map[string]handlerFunc

func init() {
	commandTable = map[string]handlerFunc{
		"VERSION":   handleVersion,
		"GET":       handleGet,
		"SGET":      wrapEncrypted(handleGet, "GET"),
		"OPENDIR":   handleOpendir,
		"SOPENDIR":  wrapEncrypted(handleOpendir, "OPENDIR"),
		"SYNCH":     handleSynch,
		"SSYNCH":    wrapEncrypted(handleSynch, "SYNCH"),
		"MD5":       handleMD5,
		"SMD5":      wrapEncrypted(handleMD5, "MD5"),
		"VAR":       handleVar,
		"SVAR":      wrapEncrypted(handleVar, "VAR"),
		"CONTEXT":   handleContext,
		"SCONTEXT":  wrapEncrypted(handleContext, "CONTEXT"),
		// SQUERY and SCALLBACK never run unencrypted regardless of
		// access-rule configuration, so unlike the other S-prefixed
		// commands they are the only registered names: there is no
		// plaintext QUERY or CALL_ME_BACK to fall back to.
		"SQUERY":    wrapEncrypted(handleSquery, "QUERY"),
		"SCALLBACK": wrapEncrypted(handleScallback, "CALL_ME_BACK"),
		"EXEC":      handleExec,
	}
}

// ServeConn runs the protocol state machine over one accepted
// connection until it closes. It never returns an error to the caller:
// every failure is logged; protocol, authentication and other failures for
// which KeepOpen is false close the socket, while in-band failures (access
// denied, not found, read error, source changed, clock skew) leave it open
// for the next command.
func ServeConn(srv *Server, raw net.Conn) {
	id := uuid.NewString()
	conn := NewConn(raw, id)
	log := Logger().WithFields(map[string]interface{}{"conn": id, "peer": conn.PeerIP.String()})
	defer raw.Close()

	if srv.Config != nil && srv.Config.Listen.RecvTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(srv.Config.Listen.RecvTimeout))
	}

	for {
		payload, more, err := Recv(raw)
		if err != nil {
			log.WithError(err).Info("connection closed reading command frame")
			return
		}
		if more {
			log.Warn("unexpected continuation frame at command boundary")
			return
		}
		line := string(payload)
		cmd, args := splitCommand(line)

		if err := dispatch(srv, conn, raw, cmd, args); err != nil {
			log.WithError(err).WithField("cmd", cmd).Info("command failed")
			if !KeepOpen(err) {
				return
			}
		}
		if conn.State == StateClosed {
			return
		}
		if srv.Terminating != nil && srv.Terminating() {
			log.Info("server terminating, closing connection after command")
			return
		}
		if srv.Config != nil && srv.Config.Listen.RecvTimeout > 0 {
			_ = raw.SetDeadline(time.Now().Add(srv.Config.Listen.RecvTimeout))
		}
	}
}

func splitCommand(line string) (cmd, args string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], line[idx+1:]
}

// dispatch implements the state transitions:
// RAW accepts only CAUTH, IDENTIFIED only SAUTH, AUTHENTICATED the
// command table.
func dispatch(srv *Server, conn *Conn, rw io.ReadWriter, cmd, args string) error {
	switch conn.State {
	case StateRaw:
		if cmd != "CAUTH" {
			sendBad(rw, "unexpected command before identification")
			conn.State = StateClosed
			return NewProtoError(KindProtocolViolation, "dispatch.raw", fmt.Errorf("got %s", cmd))
		}
		hostname, username, err := ParseCauth(args)
		if err != nil {
			sendBad(rw, "invalid identification")
			conn.State = StateClosed
			return NewProtoError(KindProtocolViolation, "dispatch.cauth", err)
		}
		conn.ClaimedHostname = hostname
		conn.ClaimedUsername = username
		conn.UserDataSet = true
		conn.State = StateIdentified
		return Send(rw, []byte(sentinelOK), Done)

	case StateIdentified:
		if cmd != "SAUTH" {
			sendBad(rw, "expected SAUTH")
			conn.State = StateClosed
			return NewProtoError(KindProtocolViolation, "dispatch.identified", fmt.Errorf("got %s", cmd))
		}
		actx := &AuthContext{
			Keys:        srv.Keys,
			Seen:        srv.Seen,
			PrivateKey:  srv.PrivateKey,
			NonceLength: srv.Config.Auth.NonceLength,
		}
		if err := ServerHandshake(actx, conn, rw, args); err != nil {
			conn.State = StateClosed
			return err
		}
		return nil

	case StateAuthenticated:
		h, ok := commandTable[cmd]
		if !ok {
			sendBad(rw, "unknown command")
			conn.State = StateClosed
			return NewProtoError(KindProtocolViolation, "dispatch.auth", fmt.Errorf("unknown command %s", cmd))
		}
		return h(srv, conn, rw, args, strings.HasPrefix(cmd, "S") && cmd != "SYNCH")

	default:
		return NewProtoError(KindProtocolViolation, "dispatch.closed", fmt.Errorf("dispatch on closed connection"))
	}
}

func sendBad(rw io.ReadWriter, reason string) {
	_ = Send(rw, []byte(sentinelBad+reason), Done)
}

// wrapEncrypted adapts a plaintext handler into its secure ("S"-prefixed)
// counterpart: the wire line is "<length>", the next frame is the
// ciphertext of that length under the connection's session key, and its
// plaintext must be an inner command line beginning with innerCmd.
func wrapEncrypted(inner handlerFunc, innerCmd string) handlerFunc {
	return func(srv *Server, conn *Conn, rw io.ReadWriter, args string, _ bool) error {
		if conn.SessionKey == nil {
			sendBad(rw, "no session key")
			return NewProtoError(KindAccessDenied, "dispatch.secure", fmt.Errorf("secure command without session key"))
		}
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return NewProtoError(KindProtocolViolation, "dispatch.secure.length", fmt.Errorf("missing length field"))
		}
		length, err := strconv.Atoi(fields[0])
		if err != nil || length < 0 || length > MaxFrameLen {
			return NewProtoError(KindProtocolViolation, "dispatch.secure.length", fmt.Errorf("bad length field %q", args))
		}
		ciphertext, more, err := Recv(rw)
		if err != nil {
			return err
		}
		if more || len(ciphertext) != length {
			return NewProtoError(KindProtocolViolation, "dispatch.secure.frame", fmt.Errorf("ciphertext length mismatch"))
		}
		plaintext, err := DecryptBuffer(conn.CipherSelector, conn.SessionKey, ciphertext)
		if err != nil {
			return NewProtoError(KindAuthFailure, "dispatch.secure.decrypt", err)
		}
		innerLine := string(plaintext)
		gotCmd, innerArgs := splitCommand(innerLine)
		if gotCmd != innerCmd {
			return NewProtoError(KindProtocolViolation, "dispatch.secure.mismatch", fmt.Errorf("expected inner command %s, got %s", innerCmd, gotCmd))
		}
		return inner(srv, conn, rw, innerArgs, true)
	}
}

// sendEncrypted wraps a reply payload for a secure command: the response
// is framed exactly like a plaintext reply, but its bytes are ciphertext
// under the connection's session key.
func sendEncrypted(rw io.ReadWriter, conn *Conn, plaintext []byte, status Status) error {
	ciphertext, err := EncryptBuffer(conn.CipherSelector, conn.SessionKey, plaintext)
	if err != nil {
		return NewProtoError(KindFatal, "reply.encrypt", err)
	}
	return Send(rw, ciphertext, status)
}

func handleVersion(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	return Send(rw, []byte("OK: confsyncd/"+Version), Done)
}

// handleVar serves VAR and (via wrapEncrypted) SVAR: a literal name lookup
// against srv.Variables.
func handleVar(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	name := strings.TrimSpace(args)
	decision := Evaluate(srv.Rules, MarkerLiteral, Request{
		Name:         name,
		PeerIP:       conn.PeerIP,
		PeerHostname: conn.ClaimedHostname,
		Encrypted:    encrypted,
		RSAAuth:      conn.RSAAuthenticated,
	})
	if !decision.Allowed {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"access denied"), Done)
		return NewProtoError(KindAccessDenied, "var.access", fmt.Errorf("denied: %s", name))
	}
	value, ok := srv.Variables[name]
	if !ok {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"no such variable"), Done)
		return NewProtoError(KindNotFound, "var.lookup", fmt.Errorf("no such variable %s", name))
	}
	return sendFrame(rw, conn, encrypted, []byte("OK: "+value), Done)
}

// handleContext serves CONTEXT and (via wrapEncrypted) SCONTEXT: args is a
// regex, matched against every persistent class name in srv.Classes; the
// matching subset is returned comma-packed.
func handleContext(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	pattern := strings.TrimSpace(args)
	decision := Evaluate(srv.Rules, MarkerClass, Request{
		Name:         pattern,
		PeerIP:       conn.PeerIP,
		PeerHostname: conn.ClaimedHostname,
		Encrypted:    encrypted,
		RSAAuth:      conn.RSAAuthenticated,
	})
	if !decision.Allowed {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"access denied"), Done)
		return NewProtoError(KindAccessDenied, "context.access", fmt.Errorf("denied: %s", pattern))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"bad pattern"), Done)
		return NewProtoError(KindProtocolViolation, "context.compile", err)
	}
	var matched []string
	for _, class := range srv.Classes {
		if re.MatchString(class) {
			matched = append(matched, class)
		}
	}
	return sendFrame(rw, conn, encrypted, []byte("OK: "+strings.Join(matched, ",")), Done)
}

// handleSquery is only ever reached via wrapEncrypted: it delegates to
// srv.QueryHandler and returns its payload as a single reply frame.
func handleSquery(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	if srv.QueryHandler == nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"query not supported"), Done)
		return NewProtoError(KindNotFound, "squery.handler", fmt.Errorf("no query handler configured"))
	}
	result, err := srv.QueryHandler(strings.TrimSpace(args))
	if err != nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+err.Error()), Done)
		return NewProtoError(KindReadError, "squery.run", err)
	}
	return sendFrame(rw, conn, encrypted, result, Done)
}

// handleScallback is only ever reached via wrapEncrypted: it hands its
// single payload to srv.CallbackSink and then closes the connection. It is
// a one-shot reception, never a persistent channel.
func handleScallback(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	if srv.CallbackSink == nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"callback not supported"), Done)
		conn.State = StateClosed
		return NewProtoError(KindNotFound, "scallback.sink", fmt.Errorf("no callback sink configured"))
	}
	srv.CallbackSink([]byte(args))
	_ = sendFrame(rw, conn, encrypted, []byte(sentinelOK), Done)
	conn.State = StateClosed
	return nil
}

// handleExec streams srv.Executor's output as a sequence of More-framed
// chunks terminated by execTerminator.
const execTerminator = "CFD_EXEC_DONE"

func handleExec(srv *Server, conn *Conn, rw io.ReadWriter, args string, encrypted bool) error {
	decision := Evaluate(srv.Rules, MarkerLiteral, Request{
		Name:         "EXEC",
		PeerIP:       conn.PeerIP,
		PeerHostname: conn.ClaimedHostname,
		Encrypted:    encrypted,
		RSAAuth:      conn.RSAAuthenticated,
	})
	if !decision.Allowed {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"access denied"), Done)
		return NewProtoError(KindAccessDenied, "exec.access", fmt.Errorf("denied exec"))
	}
	if srv.Executor == nil {
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+"exec not supported"), Done)
		return NewProtoError(KindNotFound, "exec.executor", fmt.Errorf("no executor configured"))
	}
	fw := &execFrameWriter{rw: rw, conn: conn, encrypted: encrypted}
	runErr := srv.Executor.Run(strings.TrimSpace(args), fw)
	if runErr != nil {
		if err := fw.flush(); err != nil {
			return err
		}
		sendFrame(rw, conn, encrypted, []byte(sentinelBad+runErr.Error()), Done)
		return NewProtoError(KindReadError, "exec.run", runErr)
	}
	if err := fw.flush(); err != nil {
		return err
	}
	return sendFrame(rw, conn, encrypted, []byte(execTerminator), Done)
}

// execFrameWriter buffers Executor output and emits it as More-framed
// chunks no larger than a conservative 4 KiB, so a long-running command's
// output reaches the client incrementally rather than only at completion.
type execFrameWriter struct {
	rw        io.ReadWriter
	conn      *Conn
	encrypted bool
	buf       []byte
}

const execChunkSize = 4096

func (w *execFrameWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) > execChunkSize {
		if err := sendFrame(w.rw, w.conn, w.encrypted, w.buf[:execChunkSize], More); err != nil {
			return 0, err
		}
		w.buf = w.buf[execChunkSize:]
	}
	return len(p), nil
}

func (w *execFrameWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := sendFrame(w.rw, w.conn, w.encrypted, w.buf, More); err != nil {
		return err
	}
	w.buf = nil
	return nil
}
