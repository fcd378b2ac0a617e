package client

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confsyncd/core"
)

func TestPeerConnGetWritesWholeFileAndRemovesExistingDest(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.cf")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0600))

	peer := &PeerConn{raw: clientSide}
	done := make(chan error, 1)
	go func() { done <- peer.Get("/var/cfengine/inputs/update.cf", 10, dest) }()

	// Server side: read the GET request line, then stream two blocks.
	_, _, err := core.Recv(serverSide)
	require.NoError(t, err)
	require.NoError(t, core.Send(serverSide, []byte("hello "), core.More))
	require.NoError(t, core.Send(serverSide, []byte("world"), core.Done))

	require.NoError(t, <-done)
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}

func TestPeerConnGetPropagatesChangedSentinel(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	dest := filepath.Join(t.TempDir(), "out.cf")
	peer := &PeerConn{raw: clientSide}
	done := make(chan error, 1)
	go func() { done <- peer.Get("/var/cfengine/inputs/update.cf", 10, dest) }()

	_, _, err := core.Recv(serverSide)
	require.NoError(t, err)
	require.NoError(t, core.Send(serverSide, []byte("CFD_CHANGED"), core.Done))

	err = <-done
	require.Error(t, err)
	var pe *core.ProtoError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, core.KindSourceChanged, pe.Kind)
}

func TestPeerConnVersion(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	peer := &PeerConn{raw: clientSide}
	done := make(chan string, 1)
	go func() {
		v, err := peer.Version()
		require.NoError(t, err)
		done <- v
	}()

	_, _, err := core.Recv(serverSide)
	require.NoError(t, err)
	require.NoError(t, core.Send(serverSide, []byte("OK: confsyncd/v0.1.0"), core.Done))

	require.Equal(t, "OK: confsyncd/v0.1.0", <-done)
}

func TestPeerConnOpendirParsesNullSeparatedBatches(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	peer := &PeerConn{raw: clientSide}
	done := make(chan []string, 1)
	go func() {
		names, err := peer.Opendir("/var/cfengine/inputs")
		require.NoError(t, err)
		done <- names
	}()

	_, _, err := core.Recv(serverSide)
	require.NoError(t, err)
	require.NoError(t, core.Send(serverSide, []byte("a.cf\x00b.cf\x00"), core.More))
	require.NoError(t, core.Send(serverSide, []byte("CFD_TERMINATOR\x00"), core.Done))

	require.Equal(t, []string{"a.cf", "b.cf"}, <-done)
}

// runScriptedServer accepts the CAUTH/SAUTH opening on serverSide and then
// hands control to core.ServerHandshake, reporting its result on the
// returned channel.
func runScriptedServer(serverSide net.Conn, actx *core.AuthContext, conn *core.Conn) chan error {
	serverDone := make(chan error, 1)
	go func() {
		payload, _, err := core.Recv(serverSide)
		if err != nil {
			serverDone <- err
			return
		}
		_, cauthArgs, _ := strings.Cut(string(payload), " ")
		hostname, username, err := core.ParseCauth(cauthArgs)
		if err != nil {
			serverDone <- err
			return
		}
		conn.ClaimedHostname = hostname
		conn.ClaimedUsername = username
		if err := core.Send(serverSide, []byte("OK: accepted"), core.Done); err != nil {
			serverDone <- err
			return
		}
		sauthLine, _, err := core.Recv(serverSide)
		if err != nil {
			serverDone <- err
			return
		}
		_, sauthArgs, _ := strings.Cut(string(sauthLine), " ")
		serverDone <- core.ServerHandshake(actx, conn, serverSide, sauthArgs)
	}()
	return serverDone
}

func TestClientHandshakeAgainstServerHandshake(t *testing.T) {
	serverPriv, err := core.GenerateKeyPair()
	require.NoError(t, err)
	clientPriv, err := core.GenerateKeyPair()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	keys, err := core.NewKeyStore(t.TempDir(), core.ParseTrustList([]string{"<nil>"}))
	require.NoError(t, err)

	conn := core.NewConn(serverSide, "test")
	actx := &core.AuthContext{Keys: keys, PrivateKey: serverPriv, NonceLength: 128}
	serverDone := runScriptedServer(serverSide, actx, conn)

	peerConn, _, err := dialOverPipe(t, clientSide, HandshakeParams{
		PrivateKey:  clientPriv,
		Username:    "alice",
		Hostname:    "client.example.com",
		NonceLength: 32,
		CipherSel:   'c',
	})
	require.NoError(t, err)

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake goroutine did not finish")
	}

	require.True(t, conn.RSAAuthenticated)
	require.Equal(t, peerConn.SessionKey, conn.SessionKey)
	// First contact: the server's key was learned from S4/S5.
	require.Equal(t, 0, peerConn.ServerPublic.N.Cmp(serverPriv.PublicKey.N))
}

func TestClientHandshakeWithKnownServerKeyEncryptsChallenge(t *testing.T) {
	serverPriv, err := core.GenerateKeyPair()
	require.NoError(t, err)
	clientPriv, err := core.GenerateKeyPair()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	keys, err := core.NewKeyStore(t.TempDir(), core.ParseTrustList([]string{"<nil>"}))
	require.NoError(t, err)

	conn := core.NewConn(serverSide, "test-known-key")
	actx := &core.AuthContext{Keys: keys, PrivateKey: serverPriv, NonceLength: 128}
	serverDone := runScriptedServer(serverSide, actx, conn)

	// The client already trusts the server's key, so C1 goes RSA-encrypted
	// (iscrypt=y) and the server never sends S4/S5.
	peerConn, _, err := dialOverPipe(t, clientSide, HandshakeParams{
		PrivateKey:     clientPriv,
		Username:       "alice",
		Hostname:       "client.example.com",
		NonceLength:    32,
		CipherSel:      'c',
		KnownServerKey: &serverPriv.PublicKey,
	})
	require.NoError(t, err)

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake goroutine did not finish")
	}

	require.True(t, conn.RSAAuthenticated)
	require.Equal(t, peerConn.SessionKey, conn.SessionKey)
}

// dialOverPipe drives clientHandshake directly over an already-connected
// net.Conn, bypassing Dial's net.DialTimeout (which needs a real listener).
// A net.Pipe has no remote IP, so Server is set by hand: clientHandshake
// announces it in the CAUTH line, which needs a non-empty IP field.
func dialOverPipe(t *testing.T, raw net.Conn, params HandshakeParams) (*PeerConn, string, error) {
	t.Helper()
	conn := &PeerConn{raw: raw, Server: "127.0.0.1", CipherSelector: params.CipherSel}
	if err := clientHandshake(conn, params); err != nil {
		return nil, "", err
	}
	return conn, "", nil
}
