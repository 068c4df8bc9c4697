// Package cryptoutil implements the primitive operations the path
// subsystem builds on: X25519 diffie-hellman (kept as four named
// wrappers to preserve audit boundaries between path-layer and
// transport-layer callers even though the underlying math is
// identical), Blake2b short-hash/HMAC, raw XChaCha20 stream XOR,
// Ed25519 sign/verify plus a derived-subkey signing path, an NTRU-class
// post-quantum KEM, and the process CSPRNG helpers.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	circlkem "github.com/cloudflare/circl/kem/sntrup/sntrup761"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// ErrInvalidInput is returned when a buffer has the wrong length.
var ErrInvalidInput = errors.New("cryptoutil: invalid input length")

// ErrCrypto wraps failures surfaced by an underlying primitive.
var ErrCrypto = errors.New("cryptoutil: primitive failure")

const (
	// SharedSecretSize is the size in bytes of a derived shared secret.
	SharedSecretSize = 32
	// TunnelNonceSize is the size in bytes of a per-build tunnel nonce.
	TunnelNonceSize = 32
	// ShortHashSize is the size in bytes of a Blake2b-256 digest.
	ShortHashSize = 32
	// XChaChaNonceSize is the size in bytes of the XChaCha20 stream nonce.
	XChaChaNonceSize = chacha20.NonceSizeX
)

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// rawDH performs the X25519 scalar multiplication and folds the result
// together with both participants' public keys, in the fixed order
// (clientPub, serverPub, rawSecret), through Blake2b-256. It mirrors
// llarp's unexported dh() helper: no domain separation string is mixed
// in here, because the four named wrappers below already separate path
// DH from transport DH by call site.
func rawDH(clientPub, serverPub [32]byte, themPub [32]byte, usSec [32]byte) ([32]byte, error) {
	var out [32]byte
	raw, err := curve25519.X25519(usSec[:], themPub[:])
	if err != nil {
		return out, wrapf(ErrCrypto, "x25519")
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return out, wrapf(ErrCrypto, "blake2b init")
	}
	h.Write(clientPub[:])
	h.Write(serverPub[:])
	h.Write(raw)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// keyedFold produces the final shared secret by keying Blake2b-256 with
// the DH result and hashing the tunnel nonce, matching
// crypto_generichash_blake2b(shared, n, key=dh_result).
func keyedFold(dhResult [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	var out [SharedSecretSize]byte
	h, err := blake2b.New256(dhResult[:])
	if err != nil {
		return out, wrapf(ErrCrypto, "blake2b keyed init")
	}
	h.Write(nonce[:])
	copy(out[:], h.Sum(nil))
	return out, nil
}

func pubFromSec(sec [32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(sec[:], curve25519.Basepoint)
	if err != nil {
		return pub, wrapf(ErrCrypto, "scalar base mult")
	}
	copy(pub[:], p)
	return pub, nil
}

// X25519PublicKey derives the public point for a raw X25519 secret,
// used by callers that need to carry an ephemeral commit key on the
// wire alongside the DH it will be used for.
func X25519PublicKey(sec [32]byte) ([32]byte, error) {
	return pubFromSec(sec)
}

// DHClient computes the shared secret for the initiating side of a
// path-layer diffie-hellman: theirPub is the remote hop's encryption
// key, ourSec is our ephemeral (or long-term) secret.
func DHClient(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	return dhClientPriv(theirPub, ourSec, nonce)
}

// DHServer computes the shared secret for the receiving side of a
// path-layer diffie-hellman.
func DHServer(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	return dhServerPriv(theirPub, ourSec, nonce)
}

// TransportDHClient is algorithmically identical to DHClient; it is
// kept as a separate name because path-layer and transport-layer key
// agreement sit on opposite sides of an audit boundary.
func TransportDHClient(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	return dhClientPriv(theirPub, ourSec, nonce)
}

// TransportDHServer is algorithmically identical to DHServer; kept
// separate for the same reason as TransportDHClient.
func TransportDHServer(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	return dhServerPriv(theirPub, ourSec, nonce)
}

func dhClientPriv(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	var zero [SharedSecretSize]byte
	ourPub, err := pubFromSec(ourSec)
	if err != nil {
		return zero, err
	}
	dhResult, err := rawDH(ourPub, theirPub, theirPub, ourSec)
	if err != nil {
		return zero, err
	}
	return keyedFold(dhResult, nonce)
}

func dhServerPriv(theirPub, ourSec [32]byte, nonce [TunnelNonceSize]byte) ([SharedSecretSize]byte, error) {
	var zero [SharedSecretSize]byte
	ourPub, err := pubFromSec(ourSec)
	if err != nil {
		return zero, err
	}
	dhResult, err := rawDH(theirPub, ourPub, theirPub, ourSec)
	if err != nil {
		return zero, err
	}
	return keyedFold(dhResult, nonce)
}

// ShortHash is the unkeyed Blake2b-256 digest of buf.
func ShortHash(buf []byte) ([ShortHashSize]byte, error) {
	var out [ShortHashSize]byte
	h, err := blake2b.New256(nil)
	if err != nil {
		return out, wrapf(ErrCrypto, "blake2b init")
	}
	h.Write(buf)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HMAC is the Blake2b-256 digest of buf keyed with secret.
func HMAC(secret [SharedSecretSize]byte, buf []byte) ([ShortHashSize]byte, error) {
	var out [ShortHashSize]byte
	h, err := blake2b.New256(secret[:])
	if err != nil {
		return out, wrapf(ErrCrypto, "blake2b keyed init")
	}
	h.Write(buf)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// XChaCha20 XORs buf in place with the XChaCha20 keystream under
// (key, nonce). It is a raw stream cipher, not an AEAD: the path layer
// relies on the outer hop's own integrity checks, not a per-hop tag.
func XChaCha20(buf []byte, key [SharedSecretSize]byte, nonce [XChaChaNonceSize]byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return wrapf(ErrCrypto, "chacha20 init")
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// Sign produces a detached Ed25519 signature under a root (seed-backed)
// private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature under a root public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// RandomFill fills buf with cryptographically random bytes.
func RandomFill(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return wrapf(ErrCrypto, "random fill")
	}
	return nil
}

// RandomU64 returns a uniformly random uint64.
func RandomU64() (uint64, error) {
	var b [8]byte
	if err := RandomFill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// blindString is the fixed domain-separation string mixed into every
// subkey-derivation scalar, taken verbatim from the original
// implementation so that the derivation is reproducible across a
// mixed-version network.
const blindString = "just imagine what would happen if we all decided to understand. you " +
	"can't in the and by be or then before so just face it this text hurts " +
	"to read? lokinet yolo!"

// makeScalar computes h = Blake2b-256(blindString || rootPubkey || n)
// and reduces it into a valid Ed25519 scalar.
func makeScalar(rootPubkey [32]byte, n uint64) (*edwards25519.Scalar, error) {
	buf := make([]byte, 0, len(blindString)+32+8)
	buf = append(buf, blindString...)
	buf = append(buf, rootPubkey[:]...)
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], n)
	buf = append(buf, nb[:]...)

	digest, err := ShortHash(buf)
	if err != nil {
		return nil, err
	}
	// SetUniformBytes needs 64 bytes of input for a bias-free reduction;
	// the original maps the 32-byte hash onto the curve group via
	// Elligator2 (crypto_core_ed25519_from_uniform). We reduce the same
	// 32 bytes mod L twice over (duplicated) to land in the scalar field
	// without pulling in a second primitive.
	wide := append(append([]byte{}, digest[:]...), digest[:]...)
	s, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, wrapf(ErrCrypto, "scalar reduce")
	}
	return s, nil
}

// DeriveSubkey computes a blinded public subkey: rootPubkey multiplied
// by the blinding scalar h = H(blindString || rootPubkey || n).
func DeriveSubkey(rootPubkey ed25519.PublicKey, n uint64) (ed25519.PublicKey, error) {
	if len(rootPubkey) != ed25519.PublicKeySize {
		return nil, ErrInvalidInput
	}
	var rootBuf [32]byte
	copy(rootBuf[:], rootPubkey)

	h, err := makeScalar(rootBuf, n)
	if err != nil {
		return nil, err
	}
	rootPoint, err := new(edwards25519.Point).SetBytes(rootPubkey)
	if err != nil {
		return nil, wrapf(ErrCrypto, "root point decode")
	}
	derived := new(edwards25519.Point).ScalarMult(h, rootPoint)
	return ed25519.PublicKey(derived.Bytes()), nil
}

// expandedScalar recovers the clamped private scalar `a` and the
// signing-hash prefix `s` from an Ed25519 seed the same way
// crypto/ed25519 does internally: a = clamp(SHA512(seed)[:32]),
// s = SHA512(seed)[32:].
func expandedScalar(priv ed25519.PrivateKey) (*edwards25519.Scalar, []byte, error) {
	seed := priv.Seed()
	digest := sha512.Sum512(seed)
	a, err := edwards25519.NewScalar().SetBytesWithClamping(digest[:32])
	if err != nil {
		return nil, nil, wrapf(ErrCrypto, "scalar clamp")
	}
	return a, digest[32:], nil
}

// DerivedKey is an Ed25519 subkey with no recoverable seed: its
// private scalar and signing-hash prefix are carried explicitly
// because crypto/ed25519's API assumes a 32-byte seed every root key
// has but a blinded key does not.
type DerivedKey struct {
	Scalar     *edwards25519.Scalar
	Public     ed25519.PublicKey
	SigningKey [32]byte // hash prefix used in place of a seed-derived nonce source
}

// DeriveSubkeyPrivate derives a's blinded counterpart a' = h*a along
// with a fresh signing hash s' = H(h || s), following llarp's
// Crypto::derive_subkey_private.
func DeriveSubkeyPrivate(root ed25519.PrivateKey, n uint64) (*DerivedKey, error) {
	if len(root) != ed25519.PrivateKeySize {
		return nil, ErrInvalidInput
	}
	rootPub := root.Public().(ed25519.PublicKey)
	var rootBuf [32]byte
	copy(rootBuf[:], rootPub)

	h, err := makeScalar(rootBuf, n)
	if err != nil {
		return nil, err
	}
	a, s, err := expandedScalar(root)
	if err != nil {
		return nil, err
	}

	derivedScalar := edwards25519.NewScalar().Multiply(h, a)
	derivedPoint := new(edwards25519.Point).ScalarBaseMult(derivedScalar)

	hBytes := h.Bytes()
	buf := make([]byte, 0, 64)
	buf = append(buf, hBytes...)
	buf = append(buf, s...)
	signingHash, err := ShortHash(buf)
	if err != nil {
		return nil, err
	}

	return &DerivedKey{
		Scalar:     derivedScalar,
		Public:     ed25519.PublicKey(derivedPoint.Bytes()),
		SigningKey: signingHash,
	}, nil
}

// SignDerived produces a detached signature in Ed25519's R||S layout
// under a derived subkey, reimplementing the detached-signing arithmetic
// by hand because the derived scalar has no seed crypto/ed25519 could
// consume. Its nonce and challenge hashes are Blake2b, not SHA-512, so
// the result is checked by VerifyDerived; crypto/ed25519.Verify does
// not accept it.
func SignDerived(dk *DerivedKey, msg []byte) ([]byte, error) {
	// r = H(signingKey || msg) reduced to a scalar
	rBuf := make([]byte, 0, len(dk.SigningKey)+len(msg))
	rBuf = append(rBuf, dk.SigningKey[:]...)
	rBuf = append(rBuf, msg...)
	rDigest, err := ShortHash(rBuf)
	if err != nil {
		return nil, err
	}
	rWide := append(append([]byte{}, rDigest[:]...), rDigest[:]...)
	r, err := edwards25519.NewScalar().SetUniformBytes(rWide)
	if err != nil {
		return nil, wrapf(ErrCrypto, "nonce scalar reduce")
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	// k = H(R || A || msg) reduced to a scalar
	kBuf := make([]byte, 0, 32+len(dk.Public)+len(msg))
	kBuf = append(kBuf, R.Bytes()...)
	kBuf = append(kBuf, dk.Public...)
	kBuf = append(kBuf, msg...)
	kDigest, err := ShortHash(kBuf)
	if err != nil {
		return nil, err
	}
	kWide := append(append([]byte{}, kDigest[:]...), kDigest[:]...)
	k, err := edwards25519.NewScalar().SetUniformBytes(kWide)
	if err != nil {
		return nil, wrapf(ErrCrypto, "challenge scalar reduce")
	}

	// S = r + k*a
	S := edwards25519.NewScalar().MultiplyAdd(k, dk.Scalar, r)

	sig := make([]byte, 64)
	copy(sig[:32], R.Bytes())
	copy(sig[32:], S.Bytes())
	return sig, nil
}

// VerifyDerived checks a SignDerived signature against a derived
// public key.
func VerifyDerived(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) != 64 || len(pub) != ed25519.PublicKeySize {
		return false
	}
	R, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil {
		return false
	}
	S, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	A, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return false
	}

	kBuf := make([]byte, 0, 32+len(pub)+len(msg))
	kBuf = append(kBuf, sig[:32]...)
	kBuf = append(kBuf, pub...)
	kBuf = append(kBuf, msg...)
	kDigest, err := ShortHash(kBuf)
	if err != nil {
		return false
	}
	kWide := append(append([]byte{}, kDigest[:]...), kDigest[:]...)
	k, err := edwards25519.NewScalar().SetUniformBytes(kWide)
	if err != nil {
		return false
	}

	// check S*B == R + k*A
	sb := new(edwards25519.Point).ScalarBaseMult(S)
	ka := new(edwards25519.Point).ScalarMult(k, A)
	rhs := new(edwards25519.Point).Add(R, ka)
	return sb.Equal(rhs) == 1
}

// PQPublicKeySize, PQPrivateKeySize, PQCiphertextSize and
// PQSharedKeySize are the sntrup761 sizes exposed through the
// NTRU-class KEM operations below.
var (
	PQPublicKeySize  = circlkem.Scheme().PublicKeySize()
	PQPrivateKeySize = circlkem.Scheme().PrivateKeySize()
	PQCiphertextSize = circlkem.Scheme().CiphertextSize()
	PQSharedKeySize  = circlkem.Scheme().SharedKeySize()
)

// PQKeyPair holds an NTRU-class (sntrup761) KEM keypair.
type PQKeyPair struct {
	Public  []byte
	Private []byte
}

// PQEKeygen generates a fresh post-quantum KEM keypair.
func PQEKeygen() (*PQKeyPair, error) {
	pub, priv, err := circlkem.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, wrapf(ErrCrypto, "pq keygen")
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, wrapf(ErrCrypto, "pq pub marshal")
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, wrapf(ErrCrypto, "pq priv marshal")
	}
	return &PQKeyPair{Public: pubBytes, Private: privBytes}, nil
}

// PQEEncrypt encapsulates a fresh 32-byte shared secret to pubkey,
// returning the ciphertext to send alongside it.
func PQEEncrypt(pubkey []byte) (ciphertext, sharedSecret []byte, err error) {
	scheme := circlkem.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(pubkey)
	if err != nil {
		return nil, nil, wrapf(ErrCrypto, "pq pub unmarshal")
	}
	ct, ss, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, wrapf(ErrCrypto, "pq encapsulate")
	}
	return ct, ss, nil
}

// PQEDecrypt decapsulates ciphertext using secretkey, recovering the
// shared secret the peer encapsulated with PQEEncrypt.
func PQEDecrypt(ciphertext, secretkey []byte) ([]byte, error) {
	scheme := circlkem.Scheme()
	priv, err := scheme.UnmarshalBinaryPrivateKey(secretkey)
	if err != nil {
		return nil, wrapf(ErrCrypto, "pq priv unmarshal")
	}
	ss, err := scheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, wrapf(ErrCrypto, "pq decapsulate")
	}
	return ss, nil
}
