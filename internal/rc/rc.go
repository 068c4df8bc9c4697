// Package rc implements the router-contact record: a signed, versioned
// identity+address+netid record that the nodedb stores and the path
// builder selects hops from.
package rc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"

	"lokinet-path/internal/bencode"
	"lokinet-path/internal/cryptoutil"
)

// Timing constants from spec.md §6.
const (
	// StaleInsertionAge is how long an RC may sit in the nodedb before
	// being considered for eviction absent a newer replacement.
	StaleInsertionAge = 12 * 60 * 60 * 1000 // 12h in ms
	// Lifetime is the maximum age of an RC before Verify reports Expired.
	Lifetime = 24 * 60 * 60 * 1000 // 24h in ms
	// defaultClockSkewMs bounds how far into the future last_updated may sit.
	defaultClockSkewMs = 60 * 1000
)

// DefaultNetID is the net-id tag new RCs are signed under absent an
// explicit override (tests may construct their own).
const DefaultNetID = "lokinet"

// BlockBogons gates whether Verify rejects non-routable addresses. Tests
// that construct RCs with loopback/private addresses flip this off, the
// same way the original's static RouterContact::BlockBogons does.
var BlockBogons = true

// Errors returned by Verify, matching spec.md §4.2/§7.
var (
	ErrBadSignature  = errors.New("rc: signature does not verify")
	ErrWrongNetID    = errors.New("rc: net-id mismatch")
	ErrExpired       = errors.New("rc: expired")
	ErrBogonAddress  = errors.New("rc: bogon address")
	ErrFutureUpdate  = errors.New("rc: last_updated too far in the future")
	ErrMalformed     = errors.New("rc: malformed record")
)

// RouterID is a 32-byte Ed25519 public key identifying a router. It
// implements ordering, hex display, and XOR-distance.
type RouterID [32]byte

// String renders the router id as lowercase hex.
func (r RouterID) String() string { return hex.EncodeToString(r[:]) }

// Less orders router ids byte-lexicographically, matching the
// original's `pubkey <` comparator.
func (r RouterID) Less(other RouterID) bool { return bytes.Compare(r[:], other[:]) < 0 }

// Equal reports whether two router ids are identical.
func (r RouterID) Equal(other RouterID) bool { return r == other }

// XORDistance treats both ids as big-endian integers and returns their
// XOR distance, following the teacher's dht.go xorDistance helper.
func XORDistance(a, b RouterID) *big.Int {
	var xored [32]byte
	for i := range xored {
		xored[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(xored[:])
}

// RouterVersion is the optional version triple carried on an RC.
type RouterVersion struct {
	Major, Minor, Patch int
}

// SRVRecord is an optional service record advertised on an RC.
type SRVRecord struct {
	Service  string
	Proto    string
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// Address is one advertised socket address (IPv4 or IPv6).
type Address struct {
	IP   net.IP
	Port uint16
}

func (a Address) bytes() []byte {
	ip4 := a.IP.To4()
	if ip4 != nil {
		out := make([]byte, 0, 6)
		out = append(out, ip4...)
		out = append(out, byte(a.Port>>8), byte(a.Port))
		return out
	}
	ip16 := a.IP.To16()
	out := make([]byte, 0, 18)
	out = append(out, ip16...)
	out = append(out, byte(a.Port>>8), byte(a.Port))
	return out
}

func addressFromBytes(b []byte) (Address, error) {
	switch len(b) {
	case 6:
		return Address{IP: net.IPv4(b[0], b[1], b[2], b[3]), Port: uint16(b[4])<<8 | uint16(b[5])}, nil
	case 18:
		return Address{IP: net.IP(append([]byte{}, b[:16]...)), Port: uint16(b[16])<<8 | uint16(b[17])}, nil
	default:
		return Address{}, fmt.Errorf("%w: bad address length %d", ErrMalformed, len(b))
	}
}

// RC is a signed, versioned router contact.
type RC struct {
	NetID         [8]byte
	EncKey        [32]byte
	PubKey        RouterID
	Addresses     []Address
	LastUpdated   int64 // milliseconds
	Version       uint64
	RouterVersion *RouterVersion
	SRV           []SRVRecord
	// PQEncKey is this router's NTRU-class KEM public key, used by path
	// builders to encapsulate a session key to this hop alongside the
	// X25519 build handshake (spec.md §4.1/§4.5).
	PQEncKey  []byte
	Signature [64]byte
}

// RouterID returns the identity key as a RouterID.
func (rc *RC) RouterID() RouterID { return rc.PubKey }

// NewUnsigned builds an RC with the given fields and the default
// net-id, ready for Sign.
func NewUnsigned(pub ed25519.PublicKey, encKey [32]byte, addrs []Address, lastUpdated int64) *RC {
	rc := &RC{
		EncKey:      encKey,
		Addresses:   addrs,
		LastUpdated: lastUpdated,
		Version:     1,
	}
	copy(rc.PubKey[:], pub)
	copy(rc.NetID[:], DefaultNetID)
	return rc
}

// fieldsBuilder constructs the dictionary builder holding every field
// but the signature; Sign hashes its output directly, Encode appends
// "z" to it.
func (rc *RC) fieldsBuilder() *bencode.DictBuilder {
	b := bencode.NewDictBuilder()
	b.PutInt("v", int64(rc.Version))
	b.PutString("i", rc.NetID[:])
	var addrList [][]byte
	for _, a := range rc.Addresses {
		addrList = append(addrList, bencode.EncodeString(a.bytes()))
	}
	b.PutRaw("a", bencode.EncodeList(addrList))
	b.PutString("e", rc.EncKey[:])
	b.PutString("k", rc.PubKey[:])
	if len(rc.PQEncKey) > 0 {
		b.PutString("p", rc.PQEncKey)
	}
	b.PutInt("u", rc.LastUpdated)
	if rc.RouterVersion != nil {
		rv := bencode.NewDictBuilder()
		rv.PutInt("major", int64(rc.RouterVersion.Major))
		rv.PutInt("minor", int64(rc.RouterVersion.Minor))
		rv.PutInt("patch", int64(rc.RouterVersion.Patch))
		b.PutRaw("r", rv.Bytes())
	}
	if len(rc.SRV) > 0 {
		var srvList [][]byte
		for _, s := range rc.SRV {
			sb := bencode.NewDictBuilder()
			sb.PutString("service", []byte(s.Service))
			sb.PutString("proto", []byte(s.Proto))
			sb.PutInt("priority", int64(s.Priority))
			sb.PutInt("weight", int64(s.Weight))
			sb.PutInt("port", int64(s.Port))
			sb.PutString("target", []byte(s.Target))
			srvList = append(srvList, sb.Bytes())
		}
		b.PutRaw("s", bencode.EncodeList(srvList))
	}
	return b
}

func (rc *RC) signedFields() []byte { return rc.fieldsBuilder().Bytes() }

// SetPQEncKey attaches a post-quantum KEM public key to rc; callers
// must Sign again afterward since it is part of the signed region.
func (rc *RC) SetPQEncKey(key []byte) { rc.PQEncKey = key }

// Sign computes the detached signature over the canonical signed
// region and stores both the signature and the field values on rc.
func (rc *RC) Sign(secret ed25519.PrivateKey) error {
	if !bytes.Equal(secret.Public().(ed25519.PublicKey), rc.PubKey[:]) {
		return fmt.Errorf("%w: secret key does not match pub_key", ErrMalformed)
	}
	sig := cryptoutil.Sign(secret, rc.signedFields())
	copy(rc.Signature[:], sig)
	return nil
}

// Encode renders the RC as a canonical bencoded dictionary: the same
// signed region Sign/Verify operate over, plus the detached signature
// appended under its own key, with every key in lexicographic order as
// spec.md §4.2 requires.
func (rc *RC) Encode() []byte {
	b := rc.fieldsBuilder()
	b.PutString("z", rc.Signature[:])
	return b.Bytes()
}

// Decode parses a canonical RC encoding produced by Encode.
func Decode(data []byte) (*RC, error) {
	v, rest, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformed)
	}

	rc := &RC{}

	ver, err := v.GetInt("v")
	if err != nil {
		return nil, err
	}
	rc.Version = uint64(ver)

	netID, err := v.GetString("i")
	if err != nil {
		return nil, err
	}
	if len(netID) != 8 {
		return nil, fmt.Errorf("%w: net-id must be 8 bytes", ErrMalformed)
	}
	copy(rc.NetID[:], netID)

	addrs, ok := v.GetList("a")
	if ok {
		for _, item := range addrs {
			if item.Kind != bencode.KindString {
				return nil, fmt.Errorf("%w: address entry not a string", ErrMalformed)
			}
			addr, err := addressFromBytes(item.Str)
			if err != nil {
				return nil, err
			}
			rc.Addresses = append(rc.Addresses, addr)
		}
	}

	encKey, err := v.GetString("e")
	if err != nil {
		return nil, err
	}
	if len(encKey) != 32 {
		return nil, fmt.Errorf("%w: enc_key must be 32 bytes", ErrMalformed)
	}
	copy(rc.EncKey[:], encKey)

	pubKey, err := v.GetString("k")
	if err != nil {
		return nil, err
	}
	if len(pubKey) != 32 {
		return nil, fmt.Errorf("%w: pub_key must be 32 bytes", ErrMalformed)
	}
	copy(rc.PubKey[:], pubKey)

	if pqKey, err := v.GetString("p"); err == nil {
		rc.PQEncKey = append([]byte{}, pqKey...)
	}

	lastUpdated, err := v.GetInt("u")
	if err != nil {
		return nil, err
	}
	rc.LastUpdated = lastUpdated

	if rvList, ok := v.Dict["r"]; ok {
		major, _ := rvList.GetInt("major")
		minor, _ := rvList.GetInt("minor")
		patch, _ := rvList.GetInt("patch")
		rc.RouterVersion = &RouterVersion{Major: int(major), Minor: int(minor), Patch: int(patch)}
	}

	if srvList, ok := v.GetList("s"); ok {
		for _, item := range srvList {
			service, _ := item.GetString("service")
			proto, _ := item.GetString("proto")
			priority, _ := item.GetInt("priority")
			weight, _ := item.GetInt("weight")
			port, _ := item.GetInt("port")
			target, _ := item.GetString("target")
			rc.SRV = append(rc.SRV, SRVRecord{
				Service:  string(service),
				Proto:    string(proto),
				Priority: uint16(priority),
				Weight:   uint16(weight),
				Port:     uint16(port),
				Target:   string(target),
			})
		}
	}

	sig, err := v.GetString("z")
	if err != nil {
		return nil, err
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("%w: signature must be 64 bytes", ErrMalformed)
	}
	copy(rc.Signature[:], sig)

	return rc, nil
}

// isBogon reports whether ip is a non-routable (loopback, link-local,
// private, multicast, unspecified) address. Lokinet's own bogon table
// is far larger (see llarp/net/net_bits.hpp); this package carries the
// subset that matters for rejecting obviously-wrong test/garbage
// addresses, which is the only thing Verify needs.
func isBogon(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate()
}

// Verify checks the signature, net-id, clock skew, expiry, and
// (unless BlockBogons is false) address sanity of rc as of now
// (milliseconds).
func (rc *RC) Verify(now int64, netID string) error {
	var want [8]byte
	copy(want[:], netID)
	if rc.NetID != want {
		return ErrWrongNetID
	}
	if rc.LastUpdated > now+defaultClockSkewMs {
		return ErrFutureUpdate
	}
	if now-rc.LastUpdated > Lifetime {
		return ErrExpired
	}
	if BlockBogons {
		for _, a := range rc.Addresses {
			if isBogon(a.IP) {
				return ErrBogonAddress
			}
		}
	}
	if !cryptoutil.Verify(ed25519.PublicKey(rc.PubKey[:]), rc.signedFields(), rc.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

// NewerThan reports whether rc was last updated after other.
func (rc *RC) NewerThan(other *RC) bool { return rc.LastUpdated > other.LastUpdated }

// ExpiresSoon reports whether rc will be Lifetime-expired within dt
// (milliseconds) of now.
func (rc *RC) ExpiresSoon(now, dt int64) bool {
	expiresAt := rc.LastUpdated + Lifetime
	return now >= expiresAt-dt
}

// Less orders two RCs by pub_key, matching the original's
// `operator<` (used only for deterministic iteration/tie-breaking, not
// for identity).
func Less(a, b *RC) bool { return a.PubKey.Less(b.PubKey) }

// SortByPubKey sorts rcs in place by pub_key ascending.
func SortByPubKey(rcs []*RC) {
	sort.Slice(rcs, func(i, j int) bool { return Less(rcs[i], rcs[j]) })
}
