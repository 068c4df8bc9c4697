package circuit

import (
	"context"
	"sync"

	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/rc"
)

// Status is an owned path's position in the build/teardown state
// machine (spec.md §4.5).
type Status int

const (
	StatusBuilding Status = iota
	StatusEstablished
	StatusTimeout
	StatusFailed
	StatusIgnore
	StatusExpired
)

// Role is a bitmask of what an owned path may be used for.
type Role uint8

const (
	RoleAny Role = 1 << iota
	RoleOutboundHS
	RoleInboundHS
	RoleExit
	RoleServiceNode
	RoleDHT
)

// HopConfig is the client-side state for one hop of an owned path:
// identifiers, the hop's RC, the ephemeral commit keypair used only
// for this build, and the derived shared secret plus its short-hash
// nonce mask.
type HopConfig struct {
	TxID, RxID PathID
	Hop        *rc.RC
	CommitPub  [32]byte
	CommitSec  [32]byte
	Shared     SharedSecret
	NonceXOR   [cryptoutil.ShortHashSize]byte
	Upstream   rc.RouterID // next hop's router id, zero at the last hop
	Nonce      TunnelNonce
	LifetimeMs int64

	// RecordShared/RecordMask are the DH-only (pre-PQ-fold) secret and
	// its mask, used solely to encrypt this hop's build-record slot in
	// BuildLRCM: the relay can only derive the DH-only secret from the
	// slot's commit key before it has decoded PQCiphertext out of the
	// plaintext, so the slot must be encrypted under that, not under
	// Shared. When Hop advertises no PQ key these equal Shared/NonceXOR.
	RecordShared SharedSecret
	RecordMask   [cryptoutil.ShortHashSize]byte

	// PQCiphertext is the KEM encapsulation to Hop.PQEncKey, carried on
	// the wire so the hop can decapsulate the same secret and fold it
	// into the DH-only secret to get Shared above. Empty when Hop
	// advertises no PQ key.
	PQCiphertext []byte
}

const (
	defaultLatencyIntervalMs = 5 * 1000
	latencySampleCount       = 8
	buildTimeoutMs           = 10 * 1000
	defaultExpirySlackMs     = 5 * 1000
)

// Path is a client's view of a fully (or partially) built circuit.
type Path struct {
	mu sync.Mutex

	Hops        []*HopConfig
	Role        Role
	status      Status
	buildStart  int64
	name        string
	latencies   []int64 // most recent RTT samples, newest last
	latencySeq  uint64
	lastLatency int64

	attempts, successes, fails, timeouts uint64

	handler RoutingHandler
}

// NewPath constructs a Building path over the given ordered hop
// configs (first hop first).
func NewPath(hops []*HopConfig, role Role, now int64, handler RoutingHandler) *Path {
	return &Path{
		Hops:       hops,
		Role:       role,
		status:     StatusBuilding,
		buildStart: now,
		handler:    handler,
	}
}

// RXID is the path id exposed to the network: the first hop's rx_id.
func (p *Path) RXID() PathID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Hops[0].RxID
}

// Endpoint is the last hop's router, i.e. the path's exit relay.
func (p *Path) Endpoint() rc.RouterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Hops[len(p.Hops)-1].Hop.RouterID()
}

// Status returns the path's current state-machine status.
func (p *Path) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Path) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// FirstHopRouter returns the router id build messages are submitted
// to.
func (p *Path) FirstHopRouter() rc.RouterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Hops[0].Hop.RouterID()
}

// HandleBuildTimeout transitions Building -> Timeout when the build
// hasn't confirmed within buildTimeoutMs.
func (p *Path) HandleBuildTimeout(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusBuilding {
		return false
	}
	if now-p.buildStart < buildTimeoutMs {
		return false
	}
	p.status = StatusTimeout
	p.timeouts++
	return true
}

// ConfirmBuilt transitions Building -> Established on receiving a
// PathConfirm routing message from hop 0.
func (p *Path) ConfirmBuilt(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusBuilding {
		p.status = StatusEstablished
		p.successes++
	}
}

// Fail transitions Established -> Failed, e.g. on a hop reporting a
// dropped frame it cannot recover from.
func (p *Path) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusEstablished {
		p.status = StatusFailed
		p.fails++
	}
}

// ExpiresAt is build_started + hops[0].lifetime, per spec.md §4.5.
func (p *Path) ExpiresAt() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildStart + p.Hops[0].LifetimeMs
}

// Expired reports whether now is at or past ExpiresAt.
func (p *Path) Expired(now int64) bool {
	if now >= p.ExpiresAt() {
		p.setStatus(StatusExpired)
		return true
	}
	return false
}

// ExpiresSoon uses the default 5s slack unless dt is supplied.
func (p *Path) ExpiresSoon(now, dt int64) bool {
	if dt <= 0 {
		dt = defaultExpirySlackMs
	}
	return now >= p.ExpiresAt()-dt
}

// WrapUpstream implements §4.5's "Upstream wrap": generate a single
// fresh tunnel nonce for the whole frame, then peel payload p through
// every hop from innermost (last) to outermost (first), each layer
// XChaCha20-encrypting under that nonce mutated by the hop's own
// NonceXOR mask, mirroring the single-nonce-per-frame convention
// TransitHop.HandleUpstream/HandleDownstream already use. Returns the
// frame ready to submit to hop 0.
func (p *Path) WrapUpstream(payload []byte) (RelayFrame, error) {
	p.mu.Lock()
	hops := p.Hops
	p.mu.Unlock()

	var nonce TunnelNonce
	if err := cryptoutil.RandomFill(nonce[:]); err != nil {
		return RelayFrame{}, err
	}

	buf := append([]byte{}, payload...)
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		mutated := mutateNonce(nonce, h.NonceXOR)
		if err := cryptoutil.XChaCha20(buf, h.Shared, mutated); err != nil {
			return RelayFrame{}, err
		}
	}
	return RelayFrame{RXID: hops[0].RxID, Nonce: nonce, Cipher: buf}, nil
}

// UnwrapDownstream implements §4.5's "Downstream unwrap": given the
// frame arriving from hop 0, mutate and decrypt through every hop from
// outermost (first) to innermost (last), and return the plaintext as a
// MsgTransferTraffic routing message; it does not call the handler
// (see Dispatch).
func (p *Path) UnwrapDownstream(frame RelayFrame) (RoutingMessage, error) {
	p.mu.Lock()
	hops := p.Hops
	p.mu.Unlock()

	buf := append([]byte{}, frame.Cipher...)
	nonce := frame.Nonce
	for _, h := range hops {
		mutated := mutateNonce(nonce, h.NonceXOR)
		if err := cryptoutil.XChaCha20(buf, h.Shared, mutated); err != nil {
			return RoutingMessage{}, ErrDecryptFailure
		}
	}
	msg := RoutingMessage{Kind: MsgTransferTraffic, Payload: buf}
	return msg, nil
}

// Dispatch hands a decoded routing message to the path's handler,
// per §4.5's "Routing messages" contract: a handler failure is
// returned to the caller and does not change path status here.
func (p *Path) Dispatch(msg RoutingMessage) error {
	if p.handler == nil {
		return nil
	}
	return p.handler.HandleRoutingMessage(p.RXID(), msg)
}

// RecordLatencySample appends an RTT sample (ms), keeping the most
// recent latencySampleCount, and updates the exposed median.
func (p *Path) RecordLatencySample(rtt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencies = append(p.latencies, rtt)
	if len(p.latencies) > latencySampleCount {
		p.latencies = p.latencies[len(p.latencies)-latencySampleCount:]
	}
	p.lastLatency = median(p.latencies)
}

// Latency returns the most recently computed median RTT.
func (p *Path) Latency() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLatency
}

func median(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64{}, samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

// NextLatencySeq returns a fresh sequence number for an outgoing
// PathLatency probe.
func (p *Path) NextLatencySeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencySeq++
	return p.latencySeq
}

// Rebuild regenerates every ephemeral commit key and tunnel nonce on
// the same RC sequence, used to refresh a path before natural expiry.
// The caller must then re-run the DH build handshake and resubmit.
func (p *Path) Rebuild(now int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.Hops {
		var sec [32]byte
		if err := cryptoutil.RandomFill(sec[:]); err != nil {
			return err
		}
		h.CommitSec = sec
		var nonce TunnelNonce
		if err := cryptoutil.RandomFill(nonce[:]); err != nil {
			return err
		}
		h.Nonce = nonce
		txID, err := NewPathID()
		if err != nil {
			return err
		}
		rxID, err := NewPathID()
		if err != nil {
			return err
		}
		h.TxID, h.RxID = txID, rxID
	}
	p.status = StatusBuilding
	p.buildStart = now
	p.attempts++
	return nil
}

// SendLatencyProbe submits a PathLatency frame through the path,
// invoked on a ~5s cadence per §4.5.
func (p *Path) SendLatencyProbe(ctx context.Context, transport WireTransport) error {
	seq := p.NextLatencySeq()
	payload := make([]byte, 8)
	for i := 0; i < 8; i++ {
		payload[i] = byte(seq >> (8 * i))
	}
	frame, err := p.WrapUpstream(payload)
	if err != nil {
		return err
	}
	return transport.SendRelayUpstream(ctx, p.FirstHopRouter(), []RelayFrame{frame})
}

// BuildStats exposes the monotone build counters (spec.md §3).
func (p *Path) BuildStats() (attempts, successes, fails, timeouts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts, p.successes, p.fails, p.timeouts
}

// legacyEndpointEquals reproduces llarp::path::Endpoint_Equals's bug:
// it compares left's endpoint against itself instead of against
// right's, so it can never distinguish two different endpoints. Kept
// only so a test can assert the historical (buggy) dedup behavior is
// understood; production code must use endpointEquals instead.
func legacyEndpointEquals(left, right *Path) bool {
	return left != nil && left.Endpoint() == left.Endpoint()
}

// endpointEquals is the corrected comparator that
// PathContext.FindOwnedPathsWithEndpoint uses for its dedup.
func endpointEquals(left, right *Path) bool {
	return left != nil && right != nil && left.Endpoint() == right.Endpoint()
}
