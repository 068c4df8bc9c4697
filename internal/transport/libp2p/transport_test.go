package libp2pt

import (
	"crypto/ed25519"
	"net"
	"testing"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"lokinet-path/internal/circuit"
	"lokinet-path/internal/rc"
)

// newTestHost builds a loopback-only host for RegisterAddrs tests. It
// does not dial out, so it needs none of the production transports'
// NAT/relay plumbing.
func newTestHost(t *testing.T) (host.Host, error) {
	t.Helper()
	return libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
	)
}

func randRouterID(t *testing.T) rc.RouterID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var id rc.RouterID
	copy(id[:], pub)
	return id
}

func TestPeerIDFromRouterIDIsStableAndDistinct(t *testing.T) {
	a := randRouterID(t)
	b := randRouterID(t)

	pidA1, err := peerIDFromRouterID(a)
	require.NoError(t, err)
	pidA2, err := peerIDFromRouterID(a)
	require.NoError(t, err)
	require.Equal(t, pidA1, pidA2)

	pidB, err := peerIDFromRouterID(b)
	require.NoError(t, err)
	require.NotEqual(t, pidA1, pidB)
}

func TestLRCMWireRoundTrip(t *testing.T) {
	var m circuit.LRCM
	m.Frames[0] = circuit.RecordFrame{
		CommitPub: [32]byte{1, 2, 3},
		Nonce:     circuit.TunnelNonce{4, 5, 6},
		Cipher:    []byte("ciphertext-slot-zero"),
	}
	m.Frames[3] = circuit.RecordFrame{
		CommitPub: [32]byte{9},
		Nonce:     circuit.TunnelNonce{8},
		Cipher:    []byte("padding-or-real"),
	}

	got := fromLRCM(m).toLRCM()
	require.Equal(t, m, got)
}

func TestRelayBatchWireRoundTrip(t *testing.T) {
	frames := []circuit.RelayFrame{
		{RXID: circuit.PathID{1}, Nonce: circuit.TunnelNonce{2}, Cipher: []byte("a")},
		{RXID: circuit.PathID{3}, Nonce: circuit.TunnelNonce{4}, Cipher: []byte("b")},
	}

	got := fromFrames(frames).toFrames()
	require.Equal(t, frames, got)
}

func TestRelayBatchWireRoundTripEmpty(t *testing.T) {
	got := fromFrames(nil).toFrames()
	require.Len(t, got, 0)
}

func TestRememberAndForgetPathPeer(t *testing.T) {
	tr := &Transport{pathPeers: make(map[circuit.PathID]peer.ID)}
	router := randRouterID(t)
	pid, err := peerIDFromRouterID(router)
	require.NoError(t, err)

	path := circuit.PathID{7, 7, 7}
	tr.rememberPathPeer([]circuit.RelayFrame{{RXID: path}}, pid)

	got, ok := tr.PeerForPath(path)
	require.True(t, ok)
	require.Equal(t, pid, got)

	tr.ForgetPath(path)
	_, ok = tr.PeerForPath(path)
	require.False(t, ok)
}

func TestRegisterAddrsBuildsMultiaddrsForIPv4AndIPv6(t *testing.T) {
	h, err := newTestHost(t)
	require.NoError(t, err)
	defer h.Close()

	tr := New(h, nil, nil, nil)
	router := randRouterID(t)

	err = tr.RegisterAddrs(router, []rc.Address{
		{IP: net.ParseIP("127.0.0.1"), Port: 1090},
		{IP: net.ParseIP("::1"), Port: 1090},
	})
	require.NoError(t, err)

	pid, err := peerIDFromRouterID(router)
	require.NoError(t, err)
	require.NotEmpty(t, h.Peerstore().Addrs(pid))
}
