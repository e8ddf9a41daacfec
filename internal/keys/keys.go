// Package keys implements the weave's Ed25519 signing primitives: key
// generation, address derivation, and single/batch signature verification.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"runtime"
	"sync"

	"norn.network/weave/internal/hash"
)

const (
	// PublicKeySize is the byte length of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the byte length of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// AddressSize is the byte length of a derived address.
	AddressSize = 20
)

var (
	ErrInvalidPublicKeySize = errors.New("keys: public key has invalid length")
	ErrInvalidSignatureSize = errors.New("keys: signature has invalid length")
)

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [PublicKeySize]byte

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// Address is the last 20 bytes of BLAKE3(pubkey).
type Address [AddressSize]byte

// Keypair holds an Ed25519 private key alongside its derived public key.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  PublicKey
}

// Generate creates a fresh random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return &Keypair{Private: priv, Public: pk}, nil
}

// FromSeed derives a keypair deterministically from a 32-byte seed.
func FromSeed(seed []byte) *Keypair {
	priv := ed25519.NewKeyFromSeed(seed)
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{Private: priv, Public: pk}
}

// Sign signs msg, returning the raw 64-byte signature.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.Private, msg))
	return sig
}

// Verify checks sig against msg under pub.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pub[:], msg, sig[:])
}

// AddressFromPublicKey derives the 20-byte address: the last AddressSize
// bytes of BLAKE3(pubkey).
func AddressFromPublicKey(pub PublicKey) Address {
	h := hash.Sum(pub[:])
	var addr Address
	copy(addr[:], h[hash.Size-AddressSize:])
	return addr
}

// BatchItem is one (pubkey, message, signature) triple submitted to
// VerifyBatch.
type BatchItem struct {
	Public    PublicKey
	Message   []byte
	Signature Signature
}

// VerifyBatch verifies every item concurrently across GOMAXPROCS workers
// and returns a parallel slice of booleans. Signature verification is pure
// CPU and order-independent, so this is the one place the weave fans work
// out across goroutines instead of staying on the single-threaded event
// loop (see the concurrency model's batch-verification carve-out).
func VerifyBatch(items []BatchItem) []bool {
	results := make([]bool, len(items))
	if len(items) == 0 {
		return results
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	next := make(chan int)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				results[i] = Verify(items[i].Public, items[i].Message, items[i].Signature)
			}
		}()
	}
	for i := range items {
		next <- i
	}
	close(next)
	wg.Wait()
	return results
}
