package circuit

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/rc"
)

type fakeRCLookup struct {
	byID map[rc.RouterID]*rc.RC
}

func newFakeRCLookup() *fakeRCLookup { return &fakeRCLookup{byID: make(map[rc.RouterID]*rc.RC)} }

func (f *fakeRCLookup) Get(pk rc.RouterID) (*rc.RC, bool) {
	r, ok := f.byID[pk]
	return r, ok
}

func (f *fakeRCLookup) add(t *testing.T) rc.RouterID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var encSec, encPub [32]byte
	require.NoError(t, cryptoutil.RandomFill(encSec[:]))
	encPub, err = cryptoutil.X25519PublicKey(encSec)
	require.NoError(t, err)

	r := rc.NewUnsigned(pub, encPub, nil, 0)
	var id rc.RouterID
	copy(id[:], pub)
	r.PubKey = id
	f.byID[id] = r
	return id
}

// addWithSecret is like add but also returns the router's X25519
// secret, for tests that install a PathContext standing in for that
// router via SetHopSecrets.
func (f *fakeRCLookup) addWithSecret(t *testing.T) (rc.RouterID, [32]byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var encSec, encPub [32]byte
	require.NoError(t, cryptoutil.RandomFill(encSec[:]))
	encPub, err = cryptoutil.X25519PublicKey(encSec)
	require.NoError(t, err)

	r := rc.NewUnsigned(pub, encPub, nil, 0)
	var id rc.RouterID
	copy(id[:], pub)
	r.PubKey = id
	f.byID[id] = r
	return id, encSec
}

type fakeHandler struct {
	got []RoutingMessage
}

func (h *fakeHandler) HandleRoutingMessage(path PathID, msg RoutingMessage) error {
	h.got = append(h.got, msg)
	return nil
}

func TestBuildLimiterThrottlesSameFirstHop(t *testing.T) {
	l := NewBuildLimiter()
	router := randRouterID(t)
	require.True(t, l.Attempt(router, 0))
	require.False(t, l.Attempt(router, 1))
	l.Decay(MinPathBuildIntervalMs + 1)
	require.True(t, l.Attempt(router, MinPathBuildIntervalMs+1))
}

func TestSelectHopsAppliesFilterAndLimiter(t *testing.T) {
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	lookup := newFakeRCLookup()
	b := NewBuilder(ctx, lookup)

	a := lookup.add(t)
	bb := lookup.add(t)
	excluded := a

	filter := func(id rc.RouterID) bool { return id != excluded }
	picked, err := b.SelectHops([]rc.RouterID{a, bb}, 1, filter, 0)
	require.NoError(t, err)
	require.Equal(t, []rc.RouterID{bb}, picked)

	// Second attempt at the same first hop within the cooldown window
	// is rate limited.
	_, err = b.SelectHops([]rc.RouterID{bb}, 1, nil, 1)
	require.ErrorIs(t, err, ErrBuildRateLimited)
}

func TestBuildHopConfigsAndLRCMRoundTrip(t *testing.T) {
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	lookup := newFakeRCLookup()
	b := NewBuilder(ctx, lookup)

	hop1 := lookup.add(t)
	hop2 := lookup.add(t)

	configs, err := b.BuildHopConfigs([]rc.RouterID{hop1, hop2}, defaultLifetimeMs)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	require.Equal(t, hop2, configs[0].Upstream)
	require.Equal(t, rc.RouterID{}, configs[1].Upstream)

	msg, err := b.BuildLRCM(configs)
	require.NoError(t, err)

	// Hop 0's slot decrypts back to a plaintext whose embedded next-hop
	// matches hop2.
	mutated := mutateNonce(configs[0].Nonce, configs[0].NonceXOR)
	plain := append([]byte{}, msg.Frames[0].Cipher...)
	require.NoError(t, cryptoutil.XChaCha20(plain, configs[0].Shared, mutated))
	var nextHop rc.RouterID
	copy(nextHop[:], plain[32:64])
	require.Equal(t, hop2, nextHop)
}

func TestPutTransitHopRegistersBothIndices(t *testing.T) {
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	hop, _, _ := newTestTransitHop(t)
	ctx.PutTransitHop(hop)

	require.True(t, ctx.HasTransitHop(hop.Info))
	_, ok := ctx.GetByUpstream(hop.Info.Upstream, hop.Info.RxID)
	require.True(t, ok)
	_, ok = ctx.GetByDownstream(hop.Info.Downstream, hop.Info.TxID)
	require.True(t, ok)
}

func TestRemoveTransitHopUnregistersAndForgets(t *testing.T) {
	transport := &fakeTransport{}
	ctx := NewPathContext(rc.RouterID{}, transport, nil)
	hop, _, _ := newTestTransitHop(t)
	ctx.PutTransitHop(hop)

	ctx.RemoveTransitHop(hop)
	require.False(t, ctx.HasTransitHop(hop.Info))
	require.ElementsMatch(t, []PathID{hop.Info.TxID, hop.Info.RxID}, transport.forgotten)
}

func TestHandleInboundUpstreamDispatchesAtEndpoint(t *testing.T) {
	handler := &fakeHandler{}
	self := randRouterID(t)
	ctx := NewPathContext(self, &fakeTransport{}, handler)

	var clientSec, serverSec [32]byte
	require.NoError(t, cryptoutil.RandomFill(clientSec[:]))
	require.NoError(t, cryptoutil.RandomFill(serverSec[:]))
	clientPub, err := cryptoutil.X25519PublicKey(clientSec)
	require.NoError(t, err)
	var nonce TunnelNonce
	require.NoError(t, cryptoutil.RandomFill(nonce[:]))

	info := TransitHopInfo{TxID: mustPathID(t), RxID: mustPathID(t), Upstream: self}
	hop, err := NewTransitHop(info, clientPub, serverSec, nonce, 0, 0)
	require.NoError(t, err)
	ctx.PutTransitHop(hop)

	serverPub, err := cryptoutil.X25519PublicKey(serverSec)
	require.NoError(t, err)
	clientShared, err := cryptoutil.DHClient(serverPub, clientSec, nonce)
	require.NoError(t, err)
	mask, err := cryptoutil.ShortHash(clientShared[:])
	require.NoError(t, err)

	payload := []byte("terminal routing message")
	mutated := mutateNonce(nonce, mask)
	cipher := append([]byte{}, payload...)
	require.NoError(t, cryptoutil.XChaCha20(cipher, clientShared, mutated))

	err = ctx.HandleInboundUpstream(context.Background(), RelayFrame{RXID: info.RxID, Nonce: nonce, Cipher: cipher}, 0)
	require.NoError(t, err)
	require.Len(t, handler.got, 1)
	require.Equal(t, payload, handler.got[0].Payload)
}

func TestFindOwnedPathsWithEndpointDedups(t *testing.T) {
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	exit := randRouterID(t)

	p1 := makeTestPath(t, 1, 0)
	p1.Hops[0].Hop.PubKey = exit
	p2 := makeTestPath(t, 1, 0)
	p2.Hops[0].Hop.PubKey = exit

	ctx.AddOwnPath(p1)
	ctx.AddOwnPath(p2)

	found := ctx.FindOwnedPathsWithEndpoint(exit)
	require.Len(t, found, 1)
}

func TestExpirePathsRemovesStaleEntries(t *testing.T) {
	transport := &fakeTransport{}
	ctx := NewPathContext(rc.RouterID{}, transport, nil)

	hop, _, _ := newTestTransitHop(t)
	ctx.PutTransitHop(hop)
	p := makeTestPath(t, 1, 0)
	ctx.AddOwnPath(p)

	transitGone, ownedGone := ctx.ExpirePaths(defaultLifetimeMs)
	require.Equal(t, 1, transitGone)
	require.Equal(t, 1, ownedGone)
	require.Equal(t, 0, ctx.CurrentTransitPaths())
	_, ok := ctx.OwnedPathByRX(p.RXID())
	require.False(t, ok)
}

func TestHandleInboundLRCMInstallsTransitHopAndForwards(t *testing.T) {
	lookup := newFakeRCLookup()
	hop1, hop1Sec := lookup.addWithSecret(t)
	hop2, _ := lookup.addWithSecret(t)

	clientTransport := &fakeTransport{}
	clientCtx := NewPathContext(randRouterID(t), clientTransport, nil)
	b := NewBuilder(clientCtx, lookup)

	configs, err := b.BuildHopConfigs([]rc.RouterID{hop1, hop2}, defaultLifetimeMs)
	require.NoError(t, err)
	msg, err := b.BuildLRCM(configs)
	require.NoError(t, err)

	relayTransport := &fakeTransport{}
	relayCtx := NewPathContext(hop1, relayTransport, nil)
	relayCtx.SetHopSecrets(hop1Sec, nil)
	from := randRouterID(t)

	err = relayCtx.HandleInboundLRCM(context.Background(), from, msg, 1000)
	require.NoError(t, err)

	transitHop, ok := relayCtx.GetByDownstream(from, configs[0].TxID)
	require.True(t, ok)
	require.Equal(t, configs[0].Shared, transitHop.SharedKey)
	require.Equal(t, hop2, transitHop.Info.Upstream)
	require.False(t, transitHop.IsEndpoint(hop1))

	require.Len(t, relayTransport.lrcmTo, 1)
	require.Equal(t, hop2, relayTransport.lrcmTo[0])
	forwarded := relayTransport.lrcm[0]
	require.NotEqual(t, msg.Frames[0], forwarded.Frames[0])
}

func TestHandleInboundLRCMAtTerminalHopDoesNotForward(t *testing.T) {
	lookup := newFakeRCLookup()
	hop1, hop1Sec := lookup.addWithSecret(t)

	clientCtx := NewPathContext(randRouterID(t), &fakeTransport{}, nil)
	b := NewBuilder(clientCtx, lookup)

	configs, err := b.BuildHopConfigs([]rc.RouterID{hop1}, defaultLifetimeMs)
	require.NoError(t, err)
	msg, err := b.BuildLRCM(configs)
	require.NoError(t, err)

	relayTransport := &fakeTransport{}
	relayCtx := NewPathContext(hop1, relayTransport, nil)
	relayCtx.SetHopSecrets(hop1Sec, nil)
	from := randRouterID(t)

	require.NoError(t, relayCtx.HandleInboundLRCM(context.Background(), from, msg, 0))

	transitHop, ok := relayCtx.GetByDownstream(from, configs[0].TxID)
	require.True(t, ok)
	require.True(t, transitHop.IsEndpoint(hop1))
	require.Empty(t, relayTransport.lrcmTo)
}

func TestHandleInboundLRCMRejectsWhenTransitDisallowed(t *testing.T) {
	lookup := newFakeRCLookup()
	hop1, hop1Sec := lookup.addWithSecret(t)

	clientCtx := NewPathContext(randRouterID(t), &fakeTransport{}, nil)
	b := NewBuilder(clientCtx, lookup)
	configs, err := b.BuildHopConfigs([]rc.RouterID{hop1}, defaultLifetimeMs)
	require.NoError(t, err)
	msg, err := b.BuildLRCM(configs)
	require.NoError(t, err)

	relayCtx := NewPathContext(hop1, &fakeTransport{}, nil)
	relayCtx.SetHopSecrets(hop1Sec, nil)
	relayCtx.RejectTransit()

	err = relayCtx.HandleInboundLRCM(context.Background(), randRouterID(t), msg, 0)
	require.ErrorIs(t, err, ErrTransitRejected)
}

func TestHandleInboundLRCMFoldsPQSecretWhenHopAdvertisesKey(t *testing.T) {
	lookup := newFakeRCLookup()
	hop1, hop1Sec := lookup.addWithSecret(t)

	pq, err := cryptoutil.PQEKeygen()
	require.NoError(t, err)
	hopRC, ok := lookup.Get(hop1)
	require.True(t, ok)
	hopRC.SetPQEncKey(pq.Public)

	clientCtx := NewPathContext(randRouterID(t), &fakeTransport{}, nil)
	b := NewBuilder(clientCtx, lookup)
	configs, err := b.BuildHopConfigs([]rc.RouterID{hop1}, defaultLifetimeMs)
	require.NoError(t, err)
	require.NotEmpty(t, configs[0].PQCiphertext)
	msg, err := b.BuildLRCM(configs)
	require.NoError(t, err)

	relayCtx := NewPathContext(hop1, &fakeTransport{}, nil)
	relayCtx.SetHopSecrets(hop1Sec, pq.Private)

	from := randRouterID(t)
	require.NoError(t, relayCtx.HandleInboundLRCM(context.Background(), from, msg, 0))

	transitHop, ok := relayCtx.GetByDownstream(from, configs[0].TxID)
	require.True(t, ok)
	// Both sides fold the KEM shared secret into the DH result the
	// same way, so the installed key must match the client's.
	require.Equal(t, configs[0].Shared, transitHop.SharedKey)
}

func TestHandleInboundDownstreamUnwrapsAtOwnedPathAndDispatches(t *testing.T) {
	handler := &fakeHandler{}
	hops := []*HopConfig{makeHopConfig(t, randRouterID(t))}
	p := NewPath(hops, RoleAny, 0, handler)

	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	ctx.AddOwnPath(p)

	payload := []byte("hello from the exit relay")
	frame, err := p.WrapUpstream(payload)
	require.NoError(t, err)

	require.NoError(t, ctx.HandleInboundDownstream(context.Background(), frame, 0))
	require.Len(t, handler.got, 1)
	require.Equal(t, payload, handler.got[0].Payload)
}

func TestHandleInboundDownstreamAtTransitHopQueuesForFlush(t *testing.T) {
	hop, _, nonce := newTestTransitHop(t)
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	ctx.PutTransitHop(hop)

	frame := RelayFrame{RXID: hop.Info.TxID, Nonce: nonce, Cipher: []byte("payload toward the client")}
	require.NoError(t, ctx.HandleInboundDownstream(context.Background(), frame, 0))

	transport := &fakeTransport{}
	require.NoError(t, hop.FlushDownstream(context.Background(), transport))
	require.Len(t, transport.downstream, 1)
	require.Equal(t, hop.Info.TxID, transport.downstream[0].RXID)
}

func TestHandleInboundDownstreamUnknownPathReturnsError(t *testing.T) {
	ctx := NewPathContext(rc.RouterID{}, &fakeTransport{}, nil)
	frame := RelayFrame{RXID: mustPathID(t)}
	err := ctx.HandleInboundDownstream(context.Background(), frame, 0)
	require.ErrorIs(t, err, ErrUnknownPath)
}
