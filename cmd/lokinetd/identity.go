package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"lokinet-path/internal/cryptoutil"
)

// identityMagic tags an identity.enc file, the same way the teacher's
// env.enc carries "MENV1".
var identityMagic = []byte("LKID1")

// identity holds every long-term secret this router needs: the
// Ed25519 signing seed behind its RouterID (also reused as the libp2p
// transport identity, per transport.go's peerIDFromRouterID), the
// X25519 secret behind its RC's EncKey, and an optional KEM private key
// when post-quantum hop wrapping is enabled.
type identity struct {
	SigningSeed []byte // 32B ed25519 seed
	EncSec      [32]byte
	PQPublic    []byte // empty when PQ is disabled
	PQPrivate   []byte
}

func (id *identity) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(id.SigningSeed)
}

// identityOnDisk is the JSON shape sealed inside identity.enc.
type identityOnDisk struct {
	SigningSeedB64 []byte `json:"signing_seed"`
	EncSecB64      []byte `json:"enc_sec"`
	PQPublicB64    []byte `json:"pq_public,omitempty"`
	PQPrivateB64   []byte `json:"pq_private,omitempty"`
}

// kdf derives a 32B key from passphrase and salt using Argon2id,
// matching the teacher's env_encrypt.go parameters.
func kdf(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

func newIdentity(withPQ bool) (*identity, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	id := &identity{SigningSeed: priv.Seed()}
	if err := cryptoutil.RandomFill(id.EncSec[:]); err != nil {
		return nil, err
	}
	if withPQ {
		pq, err := cryptoutil.PQEKeygen()
		if err != nil {
			return nil, err
		}
		id.PQPublic = pq.Public
		id.PQPrivate = pq.Private
	}
	return id, nil
}

// sealIdentity encrypts id as MAGIC || salt(16) || nonce || len(4) || ct,
// mirroring sealEnvSecrets' layout exactly.
func sealIdentity(path string, pass []byte, id *identity) error {
	plain, err := json.Marshal(identityOnDisk{
		SigningSeedB64: id.SigningSeed,
		EncSecB64:      id.EncSec[:],
		PQPublicB64:    id.PQPublic,
		PQPrivateB64:   id.PQPrivate,
	})
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(identityMagic)+len(salt)+len(nonce)+4+len(ct))
	out = append(out, identityMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plain)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)
	return os.WriteFile(path, out, 0o600)
}

func openIdentity(path string, pass []byte) (*identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	min := len(identityMagic) + 16 + chacha20poly1305.NonceSizeX + 4
	if len(b) < min {
		return nil, errors.New("identity.enc: truncated")
	}
	if string(b[:len(identityMagic)]) != string(identityMagic) {
		return nil, errors.New("identity.enc: bad magic")
	}
	off := len(identityMagic)
	salt := b[off : off+16]
	off += 16
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	plainLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	ct := b[off:]

	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("identity.enc: decrypt: %w", err)
	}
	if uint32(len(plain)) != plainLen {
		return nil, errors.New("identity.enc: length mismatch")
	}

	var disk identityOnDisk
	if err := json.Unmarshal(plain, &disk); err != nil {
		return nil, err
	}
	if len(disk.SigningSeedB64) != ed25519.SeedSize {
		return nil, errors.New("identity.enc: bad signing seed length")
	}
	id := &identity{
		SigningSeed: disk.SigningSeedB64,
		PQPublic:    disk.PQPublicB64,
		PQPrivate:   disk.PQPrivateB64,
	}
	if len(disk.EncSecB64) != 32 {
		return nil, errors.New("identity.enc: bad enc secret length")
	}
	copy(id.EncSec[:], disk.EncSecB64)
	return id, nil
}

// loadOrCreateIdentity opens path if it exists, otherwise generates a
// fresh identity (with a PQ keypair when withPQ is set) and seals it.
func loadOrCreateIdentity(path string, pass []byte, withPQ bool) (*identity, bool, error) {
	if _, err := os.Stat(path); err == nil {
		id, err := openIdentity(path, pass)
		return id, false, err
	}
	id, err := newIdentity(withPQ)
	if err != nil {
		return nil, false, err
	}
	if err := sealIdentity(path, pass, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
