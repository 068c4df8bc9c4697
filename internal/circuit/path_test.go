package circuit

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/rc"
)

func makeHopConfig(t *testing.T, router rc.RouterID) *HopConfig {
	t.Helper()
	var sec [32]byte
	require.NoError(t, cryptoutil.RandomFill(sec[:]))
	var shared SharedSecret
	require.NoError(t, cryptoutil.RandomFill(shared[:]))
	var mask [cryptoutil.ShortHashSize]byte
	require.NoError(t, cryptoutil.RandomFill(mask[:]))
	var nonce TunnelNonce
	require.NoError(t, cryptoutil.RandomFill(nonce[:]))

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var encKey [32]byte
	hopRC := rc.NewUnsigned(pub, encKey, nil, 0)
	hopRC.PubKey = router

	return &HopConfig{
		TxID:       mustPathID(t),
		RxID:       mustPathID(t),
		Hop:        hopRC,
		CommitSec:  sec,
		Shared:     shared,
		NonceXOR:   mask,
		Nonce:      nonce,
		LifetimeMs: defaultLifetimeMs,
	}
}

func makeTestPath(t *testing.T, n int, now int64) *Path {
	t.Helper()
	hops := make([]*HopConfig, n)
	for i := 0; i < n; i++ {
		hops[i] = makeHopConfig(t, randRouterID(t))
	}
	return NewPath(hops, RoleAny, now, nil)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	p := makeTestPath(t, 3, 0)
	payload := []byte("a routing message payload")

	frame, err := p.WrapUpstream(payload)
	require.NoError(t, err)

	// Decrypt in the same order a chain of transit hops would: each
	// hop mutates the nonce with its own mask and unwraps one layer.
	buf := append([]byte{}, frame.Cipher...)
	nonce := frame.Nonce
	for _, h := range p.Hops {
		mutated := mutateNonce(nonce, h.NonceXOR)
		require.NoError(t, cryptoutil.XChaCha20(buf, h.Shared, mutated))
	}
	require.Equal(t, payload, buf)
}

func TestHandleBuildTimeoutTransitions(t *testing.T) {
	p := makeTestPath(t, 1, 0)
	require.False(t, p.HandleBuildTimeout(buildTimeoutMs-1))
	require.Equal(t, StatusBuilding, p.Status())
	require.True(t, p.HandleBuildTimeout(buildTimeoutMs))
	require.Equal(t, StatusTimeout, p.Status())
}

func TestConfirmBuiltOnlyFromBuilding(t *testing.T) {
	p := makeTestPath(t, 1, 0)
	p.ConfirmBuilt(0)
	require.Equal(t, StatusEstablished, p.Status())

	// Confirming again after established must not change counters.
	attempts, successes, _, _ := p.BuildStats()
	p.ConfirmBuilt(0)
	attempts2, successes2, _, _ := p.BuildStats()
	require.Equal(t, attempts, attempts2)
	require.Equal(t, successes, successes2)
}

func TestFailOnlyFromEstablished(t *testing.T) {
	p := makeTestPath(t, 1, 0)
	p.Fail() // no-op: still Building
	require.Equal(t, StatusBuilding, p.Status())

	p.ConfirmBuilt(0)
	p.Fail()
	require.Equal(t, StatusFailed, p.Status())
}

func TestExpiredTransitionsStatus(t *testing.T) {
	p := makeTestPath(t, 1, 0)
	require.False(t, p.Expired(0))
	require.True(t, p.Expired(p.ExpiresAt()))
	require.Equal(t, StatusExpired, p.Status())
}

func TestRecordLatencySampleMedian(t *testing.T) {
	p := makeTestPath(t, 1, 0)
	for _, rtt := range []int64{10, 30, 20} {
		p.RecordLatencySample(rtt)
	}
	require.Equal(t, int64(20), p.Latency())
}

func TestRebuildRegeneratesIdentifiers(t *testing.T) {
	p := makeTestPath(t, 2, 0)
	oldTx := p.Hops[0].TxID
	oldShared := p.Hops[0].Shared
	require.NoError(t, p.Rebuild(100))
	require.NotEqual(t, oldTx, p.Hops[0].TxID)
	require.Equal(t, oldShared, p.Hops[0].Shared) // Rebuild refreshes keys, not the already-derived secret
	require.Equal(t, StatusBuilding, p.Status())
}

func TestLegacyEndpointEqualsBugNeverDistinguishes(t *testing.T) {
	a := makeTestPath(t, 1, 0)
	b := makeTestPath(t, 1, 0)
	// The historical bug compares a's endpoint to itself, so it always
	// reports equal regardless of b's actual endpoint.
	require.True(t, legacyEndpointEquals(a, b))
	require.True(t, legacyEndpointEquals(a, a))
}

func TestEndpointEqualsDistinguishesDifferentEndpoints(t *testing.T) {
	a := makeTestPath(t, 1, 0)
	b := makeTestPath(t, 1, 0)
	require.False(t, endpointEquals(a, b))
	require.True(t, endpointEquals(a, a))
}
