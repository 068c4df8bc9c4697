package circuit

import (
	"context"
	"sync"

	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/decay"
	"lokinet-path/internal/rc"
)

// MinPathBuildIntervalMs is the decay window for the build-rate
// limiter, per spec.md §4.6/§6.
const MinPathBuildIntervalMs = 500

// BuildLimiter prevents building too many paths through the same
// first hop too quickly.
type BuildLimiter struct {
	edges *decay.Set[rc.RouterID]
}

// NewBuildLimiter returns a limiter decaying entries after
// MinPathBuildIntervalMs.
func NewBuildLimiter() *BuildLimiter {
	return &BuildLimiter{edges: decay.New[rc.RouterID](MinPathBuildIntervalMs)}
}

// Attempt reports whether router may be used as a first hop right
// now, inserting it into the cooldown set if so.
func (l *BuildLimiter) Attempt(router rc.RouterID, now int64) bool {
	return l.edges.Allow(router, now)
}

// Limited reports whether router is currently cooling down.
func (l *BuildLimiter) Limited(router rc.RouterID) bool { return l.edges.Contains(router) }

// Decay ages out expired cooldown entries.
func (l *BuildLimiter) Decay(now int64) { l.edges.Decay(now) }

// PathContext owns the two dispatch maps (transit hops, owned paths)
// and the builder's rate limiters. It is the single place both
// directions of traffic funnel through, per spec.md §4.6.
type PathContext struct {
	mu          sync.RWMutex
	transitByTx map[PathID]*TransitHop
	transitByRx map[PathID]*TransitHop
	ownedByTx   map[PathID]*Path
	ownedByRx   map[PathID]*Path

	self rc.RouterID

	buildLimiter  *BuildLimiter
	incomingLimit *decay.Set[[4]byte] // keyed by IPv4 (or truncated IPv6) source address
	allowTransit  bool
	profiler      *Profiler

	encSec [32]byte // our static X25519 secret, the server side of every inbound build's DH
	pqPriv []byte   // our KEM private key, for decapsulating inbound build records' PQCiphertext

	transport WireTransport
	handler   RoutingHandler
}

// NewPathContext constructs an empty context for router self,
// dispatching wire traffic through transport.
func NewPathContext(self rc.RouterID, transport WireTransport, handler RoutingHandler) *PathContext {
	return &PathContext{
		transitByTx:   make(map[PathID]*TransitHop),
		transitByRx:   make(map[PathID]*TransitHop),
		ownedByTx:     make(map[PathID]*Path),
		ownedByRx:     make(map[PathID]*Path),
		self:          self,
		buildLimiter:  NewBuildLimiter(),
		incomingLimit: decay.New[[4]byte](MinPathBuildIntervalMs),
		allowTransit:  true,
		profiler:      NewProfiler(),
		transport:     transport,
		handler:       handler,
	}
}

// SetHopSecrets installs the static keys this router uses as the
// server side of every inbound build handshake. cmd/lokinetd calls
// this once at startup with the identity's X25519 encryption keypair
// secret and (if enabled) its KEM private key; tests that exercise
// HandleInboundLRCM call it directly.
func (c *PathContext) SetHopSecrets(encSec [32]byte, pqPriv []byte) {
	c.mu.Lock()
	c.encSec = encSec
	c.pqPriv = append([]byte{}, pqPriv...)
	c.mu.Unlock()
}

// AllowTransit/RejectTransit/AllowingTransit gate whether this router
// accepts new transit-hop build requests at all.
func (c *PathContext) AllowTransit()  { c.mu.Lock(); c.allowTransit = true; c.mu.Unlock() }
func (c *PathContext) RejectTransit() { c.mu.Lock(); c.allowTransit = false; c.mu.Unlock() }
func (c *PathContext) AllowingTransit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowTransit
}

// CheckPathLimitHitByIP throttles incoming transit-build floods from a
// single source address: it reports true when src has hit the limit.
func (c *PathContext) CheckPathLimitHitByIP(src [4]byte, now int64) bool {
	return !c.incomingLimit.Allow(src, now)
}

// HopIsUs reports whether k names this router.
func (c *PathContext) HopIsUs(k rc.RouterID) bool { return k == c.self }

// PutTransitHop registers hop under both its tx and rx ids.
func (c *PathContext) PutTransitHop(hop *TransitHop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitByTx[hop.Info.TxID] = hop
	c.transitByRx[hop.Info.RxID] = hop
}

// HasTransitHop reports whether info's tx id is already registered.
func (c *PathContext) HasTransitHop(info TransitHopInfo) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.transitByTx[info.TxID]
	return ok && h.Info.Equal(info)
}

// TransitHopByUpstream looks up a transit hop by (upstream router,
// path id) reachable from the upstream side.
func (c *PathContext) TransitHopByUpstream(upstream rc.RouterID, path PathID) (*TransitHop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.transitByRx[path]
	if !ok || h.Info.Upstream != upstream {
		return nil, false
	}
	return h, true
}

// GetByUpstream returns the hop registered under rx id path whose
// upstream router is id; it does not look at the downstream side (see
// GetByDownstream for that).
func (c *PathContext) GetByUpstream(id rc.RouterID, path PathID) (*TransitHop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.transitByRx[path]
	if ok && h.Info.Upstream == id {
		return h, true
	}
	return nil, false
}

// GetByDownstream returns the hop reachable via (id, path) on the
// downstream side.
func (c *PathContext) GetByDownstream(id rc.RouterID, path PathID) (*TransitHop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.transitByTx[path]
	if ok && h.Info.Downstream == id {
		return h, true
	}
	return nil, false
}

// RemoveTransitHop unregisters hop from both indices and tells the
// transport to forget its path ids, per §4.4(6).
func (c *PathContext) RemoveTransitHop(hop *TransitHop) {
	c.mu.Lock()
	delete(c.transitByTx, hop.Info.TxID)
	delete(c.transitByRx, hop.Info.RxID)
	c.mu.Unlock()
	hop.Destroy()
	if c.transport != nil {
		c.transport.ForgetPath(hop.Info.TxID)
		c.transport.ForgetPath(hop.Info.RxID)
	}
}

// AddOwnPath registers an owned path under both its tx (first hop's
// tx_id) and rx (first hop's rx_id) ids.
func (c *PathContext) AddOwnPath(p *Path) {
	p.mu.Lock()
	tx := p.Hops[0].TxID
	rxID := p.Hops[0].RxID
	p.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedByTx[tx] = p
	c.ownedByRx[rxID] = p
}

// RemovePath unregisters an owned path from both indices.
func (c *PathContext) RemovePath(p *Path) {
	p.mu.Lock()
	tx := p.Hops[0].TxID
	rxID := p.Hops[0].RxID
	p.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ownedByTx, tx)
	delete(c.ownedByRx, rxID)
}

// OwnedPathByRX looks up an owned path by its network-visible rx id.
func (c *PathContext) OwnedPathByRX(id PathID) (*Path, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.ownedByRx[id]
	return p, ok
}

// FindOwnedPathsWithEndpoint returns every owned path whose endpoint
// is r, deduplicated by endpoint using the corrected comparator (see
// path.go's legacyEndpointEquals doc comment for why a legacy buggy
// variant exists alongside it).
func (c *PathContext) FindOwnedPathsWithEndpoint(r rc.RouterID) []*Path {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Path
	for _, p := range c.ownedByRx {
		if p.Endpoint() != r {
			continue
		}
		dup := false
		for _, seen := range out {
			if endpointEquals(p, seen) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// CurrentTransitPaths returns the number of transit hops registered.
func (c *PathContext) CurrentTransitPaths() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transitByTx)
}

// ExpirePaths runs per-tick expiry over both transit hops and owned
// paths, per §4.4(6)/§4.5 "Expiry policy".
func (c *PathContext) ExpirePaths(now int64) (transitExpired, ownedExpired int) {
	c.mu.RLock()
	var staleTransit []*TransitHop
	for _, h := range c.transitByTx {
		if h.Expired(now) {
			staleTransit = append(staleTransit, h)
		}
	}
	var staleOwned []*Path
	for _, p := range c.ownedByRx {
		if p.Expired(now) {
			staleOwned = append(staleOwned, p)
		}
	}
	c.mu.RUnlock()

	for _, h := range staleTransit {
		c.RemoveTransitHop(h)
	}
	for _, p := range staleOwned {
		c.RemovePath(p)
	}
	return len(staleTransit), len(staleOwned)
}

// PumpUpstream flushes every registered transit hop's upstream queue.
func (c *PathContext) PumpUpstream(ctx context.Context) {
	c.mu.RLock()
	hops := make([]*TransitHop, 0, len(c.transitByTx))
	for _, h := range c.transitByTx {
		hops = append(hops, h)
	}
	c.mu.RUnlock()
	for _, h := range hops {
		_ = h.FlushUpstream(ctx, c.transport)
	}
}

// PumpDownstream flushes every registered transit hop's downstream
// queue.
func (c *PathContext) PumpDownstream(ctx context.Context) {
	c.mu.RLock()
	hops := make([]*TransitHop, 0, len(c.transitByTx))
	for _, h := range c.transitByTx {
		hops = append(hops, h)
	}
	c.mu.RUnlock()
	for _, h := range hops {
		_ = h.FlushDownstream(ctx, c.transport)
	}
}

// DecayReplayFilters ages out replay-filter entries on every registered
// transit hop; call once per tick alongside DecayLimiters.
func (c *PathContext) DecayReplayFilters(now int64) {
	c.mu.RLock()
	hops := make([]*TransitHop, 0, len(c.transitByTx))
	for _, h := range c.transitByTx {
		hops = append(hops, h)
	}
	c.mu.RUnlock()
	for _, h := range hops {
		h.DecayReplayFilters(now)
	}
}

// Profiler exposes the shared per-router build-outcome profiler so
// callers can mark successes/fails/timeouts as a path's status
// transitions, and so Builder.SelectHops can bias away from bad hops.
func (c *PathContext) Profiler() *Profiler { return c.profiler }

// RecordBuildOutcome updates the profiler for every hop in p according
// to p's current status, per profiling.hpp's MarkPathTimeout/
// MarkPathFail/MarkConnectSuccess call sites. Call after
// HandleBuildTimeout/ConfirmBuilt/Fail changes p's status.
func (c *PathContext) RecordBuildOutcome(p *Path) {
	p.mu.Lock()
	status := p.status
	hops := p.Hops
	p.mu.Unlock()

	for _, h := range hops {
		id := h.Hop.RouterID()
		switch status {
		case StatusTimeout:
			c.profiler.MarkPathTimeout(id)
		case StatusFailed:
			c.profiler.MarkPathFail(id)
		case StatusEstablished:
			c.profiler.MarkPathSuccess(id)
		}
	}
}

// DecayLimiters ages out both the build-rate limiter and the
// incoming-IP limiter; call once per tick alongside ExpirePaths.
func (c *PathContext) DecayLimiters(now int64) {
	c.buildLimiter.Decay(now)
	c.incomingLimit.Decay(now)
}

// HandleInboundUpstream routes an upstream frame arriving at a transit
// hop: replay/decrypt/enqueue, then — if this hop is the path's exit —
// hand the plaintext to the handler as a MsgTransferTraffic routing
// message without parsing it, per §4.4(7).
func (c *PathContext) HandleInboundUpstream(ctx context.Context, frame RelayFrame, now int64) error {
	c.mu.RLock()
	hop, ok := c.transitByRx[frame.RXID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownPath
	}
	buf := append([]byte{}, frame.Cipher...)
	if err := hop.HandleUpstream(frame.Nonce, buf, now); err != nil {
		return err
	}
	if hop.IsEndpoint(c.self) && c.handler != nil {
		return c.handler.HandleRoutingMessage(hop.Info.RxID, RoutingMessage{Kind: MsgTransferTraffic, Payload: buf})
	}
	return nil
}

// HandleInboundDownstream routes a downstream frame (keyed by the
// sending hop's tx_id, matching FlushDownstream's addressing) arriving
// either at an owned path's network-visible rx id — the client side,
// where it is unwrapped through every hop and dispatched to the
// routing handler, which is responsible for recognizing a PathConfirm
// message and calling the Path's ConfirmBuilt itself — or at a transit
// hop, where it is peeled one layer and queued for the next
// FlushDownstream toward the client, per §4.4(3)/(7).
func (c *PathContext) HandleInboundDownstream(ctx context.Context, frame RelayFrame, now int64) error {
	if p, ok := c.OwnedPathByRX(frame.RXID); ok {
		msg, err := p.UnwrapDownstream(frame)
		if err != nil {
			return err
		}
		return p.Dispatch(msg)
	}

	c.mu.RLock()
	hop, ok := c.transitByTx[frame.RXID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownPath
	}
	buf := append([]byte{}, frame.Cipher...)
	return hop.HandleDownstream(frame.Nonce, buf, now)
}

// Builder drives path construction for one path set: it selects hops
// from an RC source subject to the build limiter and per-builder
// filters, runs the client side of the build handshake, and submits
// the resulting LRCM.
type Builder struct {
	ctx     *PathContext
	rcs     RCLookup
	limiter *BuildLimiter
}

// NewBuilder returns a Builder sharing ctx's rate limiter.
func NewBuilder(ctx *PathContext, rcs RCLookup) *Builder {
	return &Builder{ctx: ctx, rcs: rcs, limiter: ctx.buildLimiter}
}

// HopFilter excludes candidate routers from hop selection (self,
// blacklisted, already in path).
type HopFilter func(rc.RouterID) bool

// SelectHops picks n distinct router ids from candidates, skipping any
// rejected by filter, and checks the first hop against the build-rate
// limiter.
func (b *Builder) SelectHops(candidates []rc.RouterID, n int, filter HopFilter, now int64) ([]rc.RouterID, error) {
	if n > MaxHops {
		return nil, ErrTooManyHops
	}
	var picked []rc.RouterID
	seen := make(map[rc.RouterID]struct{})
	notBadForPath := b.ctx.profiler.Filter()
	for _, id := range candidates {
		if len(picked) >= n {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if !notBadForPath(id) {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		picked = append(picked, id)
		seen[id] = struct{}{}
	}
	if len(picked) == 0 {
		return nil, ErrNoHops
	}
	if !b.limiter.Attempt(picked[0], now) {
		return nil, ErrBuildRateLimited
	}
	return picked, nil
}

// BuildHopConfigs runs the client side of the per-hop handshake for
// each selected router, per §4.5's "Build" step: generate an ephemeral
// commit key, derive the shared secret, and assign fresh path ids.
func (b *Builder) BuildHopConfigs(hopRouters []rc.RouterID, lifetimeMs int64) ([]*HopConfig, error) {
	configs := make([]*HopConfig, 0, len(hopRouters))
	for _, id := range hopRouters {
		hopRC, ok := b.rcs.Get(id)
		if !ok {
			return nil, ErrUnknownPath
		}
		var commitSec [32]byte
		if err := cryptoutil.RandomFill(commitSec[:]); err != nil {
			return nil, err
		}
		var nonce TunnelNonce
		if err := cryptoutil.RandomFill(nonce[:]); err != nil {
			return nil, err
		}
		commitPub, err := cryptoutil.X25519PublicKey(commitSec)
		if err != nil {
			return nil, err
		}
		dhShared, err := cryptoutil.DHClient(hopRC.EncKey, commitSec, nonce)
		if err != nil {
			return nil, err
		}
		recordMask, err := cryptoutil.ShortHash(dhShared[:])
		if err != nil {
			return nil, err
		}

		shared := dhShared
		var pqCiphertext []byte
		if len(hopRC.PQEncKey) > 0 {
			ct, pqShared, err := cryptoutil.PQEEncrypt(hopRC.PQEncKey)
			if err != nil {
				return nil, err
			}
			if shared, err = foldPQSecret(dhShared, pqShared); err != nil {
				return nil, err
			}
			pqCiphertext = ct
		}
		mask, err := cryptoutil.ShortHash(shared[:])
		if err != nil {
			return nil, err
		}
		txID, err := NewPathID()
		if err != nil {
			return nil, err
		}
		rxID, err := NewPathID()
		if err != nil {
			return nil, err
		}
		configs = append(configs, &HopConfig{
			TxID:         txID,
			RxID:         rxID,
			Hop:          hopRC,
			CommitPub:    commitPub,
			CommitSec:    commitSec,
			Shared:       shared,
			NonceXOR:     mask,
			RecordShared: dhShared,
			RecordMask:   recordMask,
			Nonce:        nonce,
			LifetimeMs:   lifetimeMs,
			PQCiphertext: pqCiphertext,
		})
	}
	for i := 0; i < len(configs)-1; i++ {
		configs[i].Upstream = configs[i+1].Hop.RouterID()
	}
	return configs, nil
}

// BuildLRCM concatenates the per-hop build records into a fixed
// MaxHops-slot message, zero-padding and randomizing unused slots, per
// §4.5.
func (b *Builder) BuildLRCM(configs []*HopConfig) (LRCM, error) {
	if len(configs) > MaxHops {
		return LRCM{}, ErrTooManyHops
	}
	var msg LRCM
	for i, cfg := range configs {
		var nextHop rc.RouterID
		if i < len(configs)-1 {
			nextHop = configs[i+1].Hop.RouterID()
		}
		rec := BuildRecord{
			TxID:         cfg.TxID,
			RxID:         cfg.RxID,
			NextHop:      nextHop,
			CommitPub:    cfg.CommitPub,
			Nonce:        cfg.Nonce,
			LifetimeMs:   cfg.LifetimeMs,
			PQCiphertext: cfg.PQCiphertext,
		}
		plain := encodeBuildRecord(rec)
		mutated := mutateNonce(cfg.Nonce, cfg.RecordMask)
		if err := cryptoutil.XChaCha20(plain, cfg.RecordShared, mutated); err != nil {
			return LRCM{}, err
		}
		msg.Frames[i] = RecordFrame{CommitPub: cfg.CommitPub, Nonce: cfg.Nonce, Cipher: plain}
	}
	for i := len(configs); i < MaxHops; i++ {
		var pad [64]byte
		if err := cryptoutil.RandomFill(pad[:]); err != nil {
			return LRCM{}, err
		}
		msg.Frames[i] = RecordFrame{Cipher: pad[:]}
	}
	return msg, nil
}

// Submit sends msg to the first hop, beginning the build.
func (b *Builder) Submit(ctxt context.Context, firstHop rc.RouterID, msg LRCM) error {
	return b.ctx.transport.SendLRCM(ctxt, firstHop, msg)
}

// encodeBuildRecord is a compact, fixed-layout plaintext encoding of a
// BuildRecord; it need not be bencode (spec.md's non-goals exclude a
// new *wire* bencode format, and this blob never crosses the network
// unencrypted).
func encodeBuildRecord(r BuildRecord) []byte {
	buf := make([]byte, 0, 16+16+32+32+32+8+2+len(r.PQCiphertext))
	buf = append(buf, r.TxID[:]...)
	buf = append(buf, r.RxID[:]...)
	buf = append(buf, r.NextHop[:]...)
	buf = append(buf, r.CommitPub[:]...)
	buf = append(buf, r.Nonce[:]...)
	var lt [8]byte
	for i := 0; i < 8; i++ {
		lt[i] = byte(r.LifetimeMs >> (8 * i))
	}
	buf = append(buf, lt[:]...)
	var pqLen [2]byte
	pqLen[0] = byte(len(r.PQCiphertext))
	pqLen[1] = byte(len(r.PQCiphertext) >> 8)
	buf = append(buf, pqLen[:]...)
	buf = append(buf, r.PQCiphertext...)
	return buf
}

// decodeBuildRecord reverses encodeBuildRecord. Used only by the relay
// side after the XChaCha20 peel; that peel is an unauthenticated stream
// cipher and there is no separate MAC, so only a garbage decrypt that
// yields an implausible PQCiphertextLen is rejected below.
func decodeBuildRecord(buf []byte) (BuildRecord, error) {
	const fixed = 16 + 16 + 32 + 32 + 32 + 8 + 2
	if len(buf) < fixed {
		return BuildRecord{}, ErrMalformedRecord
	}
	var r BuildRecord
	off := 0
	copy(r.TxID[:], buf[off:off+16])
	off += 16
	copy(r.RxID[:], buf[off:off+16])
	off += 16
	copy(r.NextHop[:], buf[off:off+32])
	off += 32
	copy(r.CommitPub[:], buf[off:off+32])
	off += 32
	copy(r.Nonce[:], buf[off:off+32])
	off += 32
	var lt int64
	for i := 0; i < 8; i++ {
		lt |= int64(buf[off+i]) << (8 * i)
	}
	off += 8
	r.LifetimeMs = lt
	pqLen := int(buf[off]) | int(buf[off+1])<<8
	off += 2
	if off+pqLen > len(buf) {
		return BuildRecord{}, ErrMalformedRecord
	}
	if pqLen > 0 {
		r.PQCiphertext = append([]byte{}, buf[off:off+pqLen]...)
	}
	return r, nil
}

// foldPQSecret combines a DH shared secret with a KEM-derived one via
// keyed Blake2b, so the tunnel key installed for a hop that advertises
// a PQEncKey is only recoverable by someone holding both the X25519
// and KEM private halves. The build-record slot itself is encrypted
// under the DH-only secret.
func foldPQSecret(dh SharedSecret, pqShared []byte) (SharedSecret, error) {
	return cryptoutil.HMAC(dh, pqShared)
}

// HandleInboundLRCM implements §4.4(1)'s "Install": from is whoever
// sent us msg (the previous hop toward the client, or the client
// itself at hop 0). Only the first slot is ours; this peels it,
// installs the resulting TransitHop, and forwards the remaining
// slots (shifted left, padded back out to MaxHops) to the next hop,
// unless this is the terminal hop.
func (c *PathContext) HandleInboundLRCM(ctx context.Context, from rc.RouterID, msg LRCM, now int64) error {
	c.mu.RLock()
	allow := c.allowTransit
	encSec := c.encSec
	pqPriv := append([]byte{}, c.pqPriv...)
	c.mu.RUnlock()
	if !allow {
		return ErrTransitRejected
	}

	slot := msg.Frames[0]
	shared, err := cryptoutil.DHServer(slot.CommitPub, encSec, slot.Nonce)
	if err != nil {
		return err
	}
	plain := append([]byte{}, slot.Cipher...)
	mask, err := cryptoutil.ShortHash(shared[:])
	if err != nil {
		return err
	}
	mutated := mutateNonce(slot.Nonce, mask)
	if err := cryptoutil.XChaCha20(plain, shared, mutated); err != nil {
		return ErrDecryptFailure
	}
	rec, err := decodeBuildRecord(plain)
	if err != nil {
		return err
	}

	if len(rec.PQCiphertext) > 0 && len(pqPriv) > 0 {
		pqShared, err := cryptoutil.PQEDecrypt(rec.PQCiphertext, pqPriv)
		if err != nil {
			return err
		}
		if shared, err = foldPQSecret(shared, pqShared); err != nil {
			return err
		}
		if mask, err = cryptoutil.ShortHash(shared[:]); err != nil {
			return err
		}
	}

	upstream := rec.NextHop
	if upstream == (rc.RouterID{}) {
		upstream = c.self
	}
	info := TransitHopInfo{TxID: rec.TxID, RxID: rec.RxID, Upstream: upstream, Downstream: from}
	hop := &TransitHop{
		Info:             info,
		SharedKey:        shared,
		NonceXOR:         mask,
		StartedAt:        now,
		Lifetime:         rec.LifetimeMs,
		lastActivity:     now,
		upstreamReplay:   decay.New[TunnelNonce](defaultReplayWindowMs),
		downstreamReplay: decay.New[TunnelNonce](defaultReplayWindowMs),
	}
	if hop.Lifetime <= 0 || hop.Lifetime > defaultLifetimeMs {
		hop.Lifetime = defaultLifetimeMs
	}
	c.PutTransitHop(hop)

	if hop.IsEndpoint(c.self) {
		return nil
	}

	var next LRCM
	copy(next.Frames[:MaxHops-1], msg.Frames[1:])
	var pad [64]byte
	if err := cryptoutil.RandomFill(pad[:]); err != nil {
		return err
	}
	next.Frames[MaxHops-1] = RecordFrame{Cipher: pad[:]}
	return c.transport.SendLRCM(ctx, upstream, next)
}
