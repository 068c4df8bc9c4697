// Package circuit implements the path subsystem proper: transit-hop
// state, owned paths, and the path context/builder that multiplexes
// both over the wire transport. It is the largest component of the
// core (spec.md §4.4-4.6).
package circuit

import (
	"crypto/rand"
	"errors"

	"lokinet-path/internal/cryptoutil"
	"lokinet-path/internal/rc"
)

// MaxHops is the fixed number of build-record slots in an LRCM,
// matching spec.md §4.5's "8 hops maximum, unused slots zero-padded
// and randomized".
const MaxHops = 8

// PathID is a 16-byte random identifier naming one end of a hop.
type PathID [16]byte

// NewPathID returns a fresh random path id.
func NewPathID() (PathID, error) {
	var id PathID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// TunnelNonce is the per-build nonce mixed into every DH and used as
// the unmutated prefix on relay frames.
type TunnelNonce = [cryptoutil.TunnelNonceSize]byte

// SharedSecret is a derived per-hop symmetric key.
type SharedSecret = [cryptoutil.SharedSecretSize]byte

var (
	ErrReplayDetected  = errors.New("circuit: replay detected")
	ErrDecryptFailure  = errors.New("circuit: decrypt failure")
	ErrQueueFull       = errors.New("circuit: queue full") // signalled via drop counter, not fatal
	ErrExpired         = errors.New("circuit: expired")
	ErrTooManyHops     = errors.New("circuit: too many hops")
	ErrNoHops          = errors.New("circuit: no hops")
	ErrUnknownPath     = errors.New("circuit: unknown path id")
	ErrBuildRateLimited = errors.New("circuit: build rate limited")
	ErrMalformedRecord = errors.New("circuit: malformed build record")
	ErrTransitRejected = errors.New("circuit: transit rejected")
)

// BuildRecord is the plaintext one hop decrypts out of its LRCM slot.
type BuildRecord struct {
	TxID        PathID
	RxID        PathID
	NextHop     rc.RouterID // zero value at the terminal hop
	CommitPub   [32]byte    // ephemeral X25519 public key the client used
	Nonce       TunnelNonce
	LifetimeMs  int64
	PQCiphertext []byte // PQ KEM ciphertext encapsulated to this hop's PQEncKey
}

// RecordFrame is one encrypted LRCM slot: an XChaCha20-wrapped
// BuildRecord, addressed to a hop by onion position (the hop decrypts
// with the shared secret it derives via DHServer from its own static
// keys and the commit pubkey carried in cleartext in its slot,
// mirroring the original's per-hop peeling).
type RecordFrame struct {
	CommitPub [32]byte
	Nonce     TunnelNonce
	Cipher    []byte
}

// LRCM (Layered Route-Commit Message) concatenates MaxHops record
// frame slots and is submitted to hop 0.
type LRCM struct {
	Frames [MaxHops]RecordFrame
}

// RelayFrame is a wire frame carrying a wrapped payload between path
// endpoints: rx_id(16B) || tunnel_nonce(32B) || ciphertext, per
// spec.md's glossary.
type RelayFrame struct {
	RXID   PathID
	Nonce  TunnelNonce
	Cipher []byte
}

// RoutingMessageKind discriminates the payload types the terminal hop
// (or the owned-path side) dispatches to the routing handler.
type RoutingMessageKind byte

const (
	MsgPathConfirm RoutingMessageKind = iota
	MsgPathLatency
	MsgDataDiscard
	MsgObtainExit
	MsgGrantExit
	MsgRejectExit
	MsgUpdateExit
	MsgCloseExit
	MsgTransferTraffic
	MsgHiddenServiceFrame
	MsgDHTMessage
	MsgGotIntro
)

// RoutingMessage is the decoded payload a fully-unwrapped frame
// carries, dispatched by the routing handler.
type RoutingMessage struct {
	Kind    RoutingMessageKind
	Payload []byte
	// Latency fields, populated only for MsgPathLatency.
	LatencySeq   uint64
	LatencyIsEcho bool
}
