// Package libp2pt implements circuit.WireTransport over libp2p streams,
// addressing peers by router id (an Ed25519 public key, reused directly
// as the libp2p peer identity key, the same way the teacher derives a
// single identity key for both roles in fingerprint.go/node.go).
package libp2pt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"lokinet-path/internal/circuit"
	"lokinet-path/internal/rc"
)

const (
	protoLRCM    = "/lokinet-path/lrcm/1.0.0"
	protoRelayUp = "/lokinet-path/relay-up/1.0.0"
	protoRelayDn = "/lokinet-path/relay-down/1.0.0"
)

// peerIDFromRouterID derives a libp2p peer id directly from a router's
// Ed25519 public key, so the nodedb's RouterID doubles as the libp2p
// identity without a separate mapping table.
func peerIDFromRouterID(id rc.RouterID) (peer.ID, error) {
	pub, err := p2pcrypto.UnmarshalEd25519PublicKey(id[:])
	if err != nil {
		return "", fmt.Errorf("libp2pt: bad router pubkey: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// Transport wires circuit.WireTransport onto a live libp2p host.
type Transport struct {
	host host.Host

	mu        sync.Mutex
	pathPeers map[circuit.PathID]peer.ID // last-seen peer a path id routed through, cleared on ForgetPath
}

// New wraps h and registers the three path-subsystem stream protocols.
// Incoming frames are handed to onLRCM/onRelayUp/onRelayDown, which the
// caller wires to the path context's build/relay handling.
func New(h host.Host,
	onLRCM func(from rc.RouterID, msg circuit.LRCM),
	onRelayUp func(from rc.RouterID, frames []circuit.RelayFrame),
	onRelayDown func(from rc.RouterID, frames []circuit.RelayFrame),
) *Transport {
	t := &Transport{host: h, pathPeers: make(map[circuit.PathID]peer.ID)}

	h.SetStreamHandler(protoLRCM, func(s network.Stream) {
		defer s.Close()
		var wire lrcmWire
		if err := json.NewDecoder(s).Decode(&wire); err != nil {
			return
		}
		from, ok := routerIDFromStream(s)
		if !ok || onLRCM == nil {
			return
		}
		onLRCM(from, wire.toLRCM())
	})
	h.SetStreamHandler(protoRelayUp, func(s network.Stream) {
		defer s.Close()
		var wire relayBatchWire
		if err := json.NewDecoder(s).Decode(&wire); err != nil {
			return
		}
		from, ok := routerIDFromStream(s)
		if !ok || onRelayUp == nil {
			return
		}
		onRelayUp(from, wire.toFrames())
	})
	h.SetStreamHandler(protoRelayDn, func(s network.Stream) {
		defer s.Close()
		var wire relayBatchWire
		if err := json.NewDecoder(s).Decode(&wire); err != nil {
			return
		}
		from, ok := routerIDFromStream(s)
		if !ok || onRelayDown == nil {
			return
		}
		onRelayDown(from, wire.toFrames())
	})

	return t
}

func routerIDFromStream(s network.Stream) (rc.RouterID, bool) {
	pub := s.Conn().RemotePublicKey()
	if pub == nil {
		return rc.RouterID{}, false
	}
	raw, err := pub.Raw()
	if err != nil || len(raw) != 32 {
		return rc.RouterID{}, false
	}
	var id rc.RouterID
	copy(id[:], raw)
	return id, true
}

// RegisterAddrs primes the libp2p peerstore with to's dialable addresses,
// derived from its RC. Must be called before the first Send to a peer
// the host hasn't already connected to.
func (t *Transport) RegisterAddrs(to rc.RouterID, addrs []rc.Address) error {
	pid, err := peerIDFromRouterID(to)
	if err != nil {
		return err
	}
	var maddrs []multiaddr.Multiaddr
	for _, a := range addrs {
		proto := "tcp"
		ipProto := "ip4"
		if a.IP.To4() == nil {
			ipProto = "ip6"
		}
		ma, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d", ipProto, a.IP.String(), proto, a.Port))
		if err != nil {
			continue
		}
		maddrs = append(maddrs, ma)
	}
	t.host.Peerstore().AddAddrs(pid, maddrs, peerstore.ConnectedAddrTTL)
	return nil
}

func (t *Transport) openStream(ctx context.Context, to rc.RouterID, proto string) (network.Stream, error) {
	pid, err := peerIDFromRouterID(to)
	if err != nil {
		return nil, err
	}
	return t.host.NewStream(ctx, pid, protocol.ID(proto))
}

// SendLRCM implements circuit.WireTransport.
func (t *Transport) SendLRCM(ctx context.Context, to rc.RouterID, msg circuit.LRCM) error {
	s, err := t.openStream(ctx, to, protoLRCM)
	if err != nil {
		return err
	}
	defer s.Close()
	return json.NewEncoder(s).Encode(fromLRCM(msg))
}

// SendRelayUpstream implements circuit.WireTransport.
func (t *Transport) SendRelayUpstream(ctx context.Context, to rc.RouterID, frames []circuit.RelayFrame) error {
	pid, err := peerIDFromRouterID(to)
	if err != nil {
		return err
	}
	t.rememberPathPeer(frames, pid)
	s, err := t.openStream(ctx, to, protoRelayUp)
	if err != nil {
		return err
	}
	defer s.Close()
	return json.NewEncoder(s).Encode(fromFrames(frames))
}

// SendRelayDownstream implements circuit.WireTransport.
func (t *Transport) SendRelayDownstream(ctx context.Context, to rc.RouterID, frames []circuit.RelayFrame) error {
	pid, err := peerIDFromRouterID(to)
	if err != nil {
		return err
	}
	t.rememberPathPeer(frames, pid)
	s, err := t.openStream(ctx, to, protoRelayDn)
	if err != nil {
		return err
	}
	defer s.Close()
	return json.NewEncoder(s).Encode(fromFrames(frames))
}

// rememberPathPeer records which peer each frame's path id last routed
// through, so a caller diagnosing a dead path can ask PeerForPath before
// the context calls ForgetPath on teardown.
func (t *Transport) rememberPathPeer(frames []circuit.RelayFrame, pid peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range frames {
		t.pathPeers[f.RXID] = pid
	}
}

// PeerForPath returns the last peer a path id was routed through, if
// still remembered.
func (t *Transport) PeerForPath(id circuit.PathID) (peer.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid, ok := t.pathPeers[id]
	return pid, ok
}

// ForgetPath implements circuit.WireTransport: it drops any cached
// peer-routing hint for id, but never tears down the underlying libp2p
// connection, which may still be in use by other paths to the same peer.
func (t *Transport) ForgetPath(id circuit.PathID) {
	t.mu.Lock()
	delete(t.pathPeers, id)
	t.mu.Unlock()
}
