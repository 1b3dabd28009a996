// Package sig provides the opaque signature abstraction the certificate
// pipeline and the TEV gate sign and verify against. Key ceremony internals
// (e.g. post-quantum rotation) are out of scope for this repository; this
// package only declares and implements one concrete scheme so that callers
// never need to special-case "no real key check" placeholders.
package sig

import (
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"sovereignchain/crypto"
)

// Scheme names a declared signing scheme. Certificates and TEV decisions
// record which scheme produced their signature so a verifier never has to
// guess.
type Scheme string

// SchemeSecp256k1SHA256 signs SHA-256(message) with a secp256k1 key, the
// scheme implemented by this package.
const SchemeSecp256k1SHA256 Scheme = "secp256k1-sha256"

// Signer produces signatures over arbitrary messages under a declared
// scheme and exposes its public key for verification.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// KeySigner implements Signer over an in-process secp256k1 private key.
type KeySigner struct {
	key *crypto.PrivateKey
}

// NewKeySigner wraps a private key as a Signer.
func NewKeySigner(key *crypto.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, fmt.Errorf("sig: nil private key")
	}
	return &KeySigner{key: key}, nil
}

// Scheme implements Signer.
func (s *KeySigner) Scheme() Scheme { return SchemeSecp256k1SHA256 }

// PublicKey implements Signer, returning the uncompressed public key bytes.
func (s *KeySigner) PublicKey() []byte {
	return ethcrypto.FromECDSAPub(s.key.PubKey().PublicKey)
}

// Sign implements Signer. The message is hashed with SHA-256 before the
// secp256k1 signing operation, matching Verify's expectations.
func (s *KeySigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ethcrypto.Sign(digest[:], s.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sig: sign: %w", err)
	}
	// Drop the recovery id; verification here is by explicit public key, not
	// recovery, so callers get a stable, scheme-declared signature length.
	return sig[:len(sig)-1], nil
}

// Verify checks a signature produced by Sign (or an equivalent
// implementation of the declared scheme) against the supplied public key.
// An unrecognized scheme is always a verification failure, never a silent
// pass — there is no "always accept" fallback.
func Verify(scheme Scheme, publicKey, message, signature []byte) (bool, error) {
	switch scheme {
	case SchemeSecp256k1SHA256:
		if len(publicKey) == 0 {
			return false, fmt.Errorf("sig: empty public key")
		}
		if len(signature) != 64 {
			return false, fmt.Errorf("sig: signature must be 64 bytes, got %d", len(signature))
		}
		digest := sha256.Sum256(message)
		return ethcrypto.VerifySignature(publicKey, digest[:], signature), nil
	default:
		return false, fmt.Errorf("sig: unsupported scheme %q", scheme)
	}
}
