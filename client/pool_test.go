package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolCacheAndGetIdle(t *testing.T) {
	p := NewPool()
	require.Nil(t, p.GetIdle("10.0.0.1:5308"))

	conn := &PeerConn{Server: "10.0.0.1:5308"}
	p.Cache(conn, "10.0.0.1:5308")

	// freshly cached entries are busy (just handed to the caller by Dial).
	require.Nil(t, p.GetIdle("10.0.0.1:5308"))

	p.Release(conn)
	require.Same(t, conn, p.GetIdle("10.0.0.1:5308"))
}

func TestPoolGetIdleSkipsBusyEntries(t *testing.T) {
	p := NewPool()
	busy := &PeerConn{Server: "10.0.0.2:5308"}
	idle := &PeerConn{Server: "10.0.0.2:5308"}
	p.Cache(busy, "10.0.0.2:5308")
	p.Cache(idle, "10.0.0.2:5308")
	p.Release(idle)

	got := p.GetIdle("10.0.0.2:5308")
	require.Same(t, idle, got)
	require.Nil(t, p.GetIdle("10.0.0.2:5308")) // idle is now busy too, busy stays busy
}

func TestPoolKeysAreIsolatedPerServer(t *testing.T) {
	p := NewPool()
	connA := &PeerConn{Server: "a:5308"}
	p.Cache(connA, "a:5308")
	p.Release(connA)

	require.Nil(t, p.GetIdle("b:5308"))
	require.Same(t, connA, p.GetIdle("a:5308"))
}

func TestPoolReleaseIsNoOpForUnknownConn(t *testing.T) {
	p := NewPool()
	orphan := &PeerConn{Server: "x:5308"}
	require.NotPanics(t, func() { p.Release(orphan) })
}

func TestPoolMarkOfflineAndIsOffline(t *testing.T) {
	p := NewPool()
	require.False(t, p.IsOffline("10.0.0.3:5308"))
	p.MarkOffline("10.0.0.3:5308")
	require.True(t, p.IsOffline("10.0.0.3:5308"))
	require.False(t, p.IsOffline("10.0.0.4:5308"))
}
