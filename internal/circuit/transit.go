package circuit

import (
	"context"
	"sync"

	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/decay"
	"lokinet-path/internal/rc"
)

// TransitHopInfo identifies one relay's view of one hop: the pair of
// path ids it dispatches on and the routers on either side of it.
type TransitHopInfo struct {
	TxID, RxID         PathID
	Upstream, Downstream rc.RouterID
}

// Equal is the correct, production comparator.
func (h TransitHopInfo) Equal(o TransitHopInfo) bool {
	return h.TxID == o.TxID && h.RxID == o.RxID && h.Upstream == o.Upstream && h.Downstream == o.Downstream
}

const (
	defaultLifetimeMs    = 10 * 60 * 1000 // 10 minutes
	defaultReplayWindowMs = 60 * 1000      // 60 seconds
	maxQueueDepth        = 512
)

// TransitHop is one relay's state for one hop of one path.
type TransitHop struct {
	Info      TransitHopInfo
	SharedKey SharedSecret
	NonceXOR  [cryptoutil.ShortHashSize]byte
	StartedAt int64
	Lifetime  int64

	mu             sync.Mutex
	lastActivity   int64
	destroyed      bool
	upstreamQueue  [][]byte
	downstreamQueue [][]byte
	upstreamDrops  uint64
	downstreamDrops uint64

	upstreamReplay   *decay.Set[TunnelNonce]
	downstreamReplay *decay.Set[TunnelNonce]
}

// NewTransitHop installs a hop from a validated build record, as
// spec.md §4.4(1): derive the shared secret as the relay side of the
// handshake, compute the nonce-XOR mask, and record timing.
func NewTransitHop(info TransitHopInfo, theirPub, ourEncSec [32]byte, nonce TunnelNonce, now int64, lifetimeMs int64) (*TransitHop, error) {
	shared, err := cryptoutil.DHServer(theirPub, ourEncSec, nonce)
	if err != nil {
		return nil, err
	}
	mask, err := cryptoutil.ShortHash(shared[:])
	if err != nil {
		return nil, err
	}
	if lifetimeMs <= 0 || lifetimeMs > defaultLifetimeMs {
		lifetimeMs = defaultLifetimeMs
	}
	return &TransitHop{
		Info:             info,
		SharedKey:        shared,
		NonceXOR:         mask,
		StartedAt:        now,
		Lifetime:         lifetimeMs,
		lastActivity:     now,
		upstreamReplay:   decay.New[TunnelNonce](defaultReplayWindowMs),
		downstreamReplay: decay.New[TunnelNonce](defaultReplayWindowMs),
	}, nil
}

// IsEndpoint reports whether this hop is the path's exit relay (its
// upstream is itself).
func (h *TransitHop) IsEndpoint(us rc.RouterID) bool { return h.Info.Upstream == us }

// mutateNonce XORs the tunnel nonce with the hop's mask and returns the
// leading XChaChaNonceSize bytes, the nonce XChaCha20 is keyed with.
func mutateNonce(nonce TunnelNonce, mask [cryptoutil.ShortHashSize]byte) [cryptoutil.XChaChaNonceSize]byte {
	var out [cryptoutil.XChaChaNonceSize]byte
	for i := range out {
		out[i] = nonce[i] ^ mask[i]
	}
	return out
}

// handleDirection implements the shared logic of §4.4(2)/(3): replay
// check, nonce mutation, in-place XChaCha20 decrypt, bounded enqueue.
func (h *TransitHop) handleDirection(replay *decay.Set[TunnelNonce], queue *[][]byte, drops *uint64, nonce TunnelNonce, buf []byte, now int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrExpired
	}
	if replay.Contains(nonce) {
		return ErrReplayDetected
	}
	replay.Insert(nonce, now)

	mutated := mutateNonce(nonce, h.NonceXOR)
	if err := cryptoutil.XChaCha20(buf, h.SharedKey, mutated); err != nil {
		return ErrDecryptFailure
	}

	h.lastActivity = now
	if len(*queue) >= maxQueueDepth {
		*queue = (*queue)[1:]
		*drops++
	}
	*queue = append(*queue, buf)
	return nil
}

// HandleUpstream processes a frame heading deeper into the path,
// received on the downstream side.
func (h *TransitHop) HandleUpstream(nonce TunnelNonce, buf []byte, now int64) error {
	return h.handleDirection(h.upstreamReplay, &h.upstreamQueue, &h.upstreamDrops, nonce, buf, now)
}

// HandleDownstream processes a frame heading back toward the client,
// received on the upstream side.
func (h *TransitHop) HandleDownstream(nonce TunnelNonce, buf []byte, now int64) error {
	return h.handleDirection(h.downstreamReplay, &h.downstreamQueue, &h.downstreamDrops, nonce, buf, now)
}

// FlushUpstream drains the upstream queue and submits the batch to the
// wire transport addressed to Info.Upstream, the next hop deeper into
// the path (self at the terminal hop, per §4.4(7)'s IsEndpoint rule),
// per §4.4(4).
func (h *TransitHop) FlushUpstream(ctx context.Context, transport WireTransport) error {
	h.mu.Lock()
	batch := h.upstreamQueue
	h.upstreamQueue = nil
	h.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	frames := make([]RelayFrame, len(batch))
	for i, b := range batch {
		frames[i] = RelayFrame{RXID: h.Info.RxID, Cipher: b}
	}
	return transport.SendRelayUpstream(ctx, h.Info.Upstream, frames)
}

// FlushDownstream is the mirror of FlushUpstream, addressed back to
// Info.Downstream, the previous hop toward the client.
func (h *TransitHop) FlushDownstream(ctx context.Context, transport WireTransport) error {
	h.mu.Lock()
	batch := h.downstreamQueue
	h.downstreamQueue = nil
	h.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	frames := make([]RelayFrame, len(batch))
	for i, b := range batch {
		frames[i] = RelayFrame{RXID: h.Info.TxID, Cipher: b}
	}
	return transport.SendRelayDownstream(ctx, h.Info.Downstream, frames)
}

// DecayReplayFilters removes replay-filter entries older than the
// filter window, per §4.4(5). Call once per router tick.
func (h *TransitHop) DecayReplayFilters(now int64) {
	h.upstreamReplay.Decay(now)
	h.downstreamReplay.Decay(now)
}

// ExpireTime is the absolute time this hop self-destructs.
func (h *TransitHop) ExpireTime() int64 { return h.StartedAt + h.Lifetime }

// Expired reports whether now is at or past ExpireTime.
func (h *TransitHop) Expired(now int64) bool { return now >= h.ExpireTime() }

// ExpiresSoon reports whether the hop expires within dt of now.
func (h *TransitHop) ExpiresSoon(now, dt int64) bool { return now >= h.ExpireTime()-dt }

// DropCounts returns the upstream and downstream drop-oldest counters,
// for metrics/tests.
func (h *TransitHop) DropCounts() (upstream, downstream uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreamDrops, h.downstreamDrops
}

// Destroy marks the hop for teardown; §4.4(6)'s unregistration from
// the context's indices happens in the caller (PathContext), which
// also tells the transport to forget the path ids.
func (h *TransitHop) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
}
