// Package certificate implements the Stateless Certificate Verifier: given
// only certificate bytes and a genesis hash, it re-derives identity,
// lineage, rarity, signature, and content hash entirely from those inputs,
// with no database and no network call. Each of the six checks reports its
// own pass/fail rather than collapsing straight to a single boolean.
package certificate

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"sovereignchain/pkg/hashdomain"
	"sovereignchain/pkg/sig"
)

// DomainIdentity separates the namespace-hash derivation from every other
// hash computed in this repository.
const DomainIdentity = "SOVEREIGN_CERTIFICATE_IDENTITY_V1"

// DomainLineage separates Merkle-path hashing from every other hash.
const DomainLineage = "SOVEREIGN_CERTIFICATE_LINEAGE_V1"

// DomainContent is the domain the certificate builder hashes the canonical
// certificate (with its ipfs block empty) under, so a verifier recomputes
// the same content hash the builder stamped into ipfs.contentHash.
const DomainContent = "SOVEREIGN_CERTIFICATE_CONTENT_V1"

// RarityTolerance is the only real-valued (non-integer) check the repository
// performs; every other numeric comparison is exact.
const RarityTolerance = 0.1

// Identity binds a certificate to a namespace and a Genesis ceremony.
type Identity struct {
	NamespaceID   string `json:"namespaceId"`
	NamespaceHash string `json:"namespaceHash"`
	GenesisHash   string `json:"genesisHash"`
}

// MerkleStep is one hop of the inclusion proof from namespace_hash to the
// lineage's Merkle root; Side tells the verifier which side of the pair the
// sibling hash sits on.
type MerkleStep struct {
	Hash string `json:"hash"`
	Side string `json:"side"` // "left" or "right"
}

// Lineage records a namespace's ancestry and its inclusion proof.
type Lineage struct {
	ParentHash string       `json:"parentHash"`
	Depth      uint64       `json:"depth"`
	MerklePath []MerkleStep `json:"merklePath"`
	MerkleRoot string       `json:"merkleRoot"`
}

// Creation records when and how a namespace entered existence.
type Creation struct {
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Entropy     string `json:"entropy"` // hex-encoded
}

// RarityComponents are the five weighted inputs to the rarity score.
type RarityComponents struct {
	Position   float64 `json:"position"`
	Pattern    float64 `json:"pattern"`
	Entropy    float64 `json:"entropy"`
	Temporal   float64 `json:"temporal"`
	Structural float64 `json:"structural"`
}

// Rarity is the derived collectibility score and its banding.
type Rarity struct {
	Score      float64          `json:"score"`
	Components RarityComponents `json:"components"`
	Tier       string           `json:"tier"`
}

// Sovereignty classifies what kind of namespace this certificate grants.
type Sovereignty struct {
	Class     string `json:"class"`
	PublicKey string `json:"publicKey"` // hex
}

// Signature is the declared scheme and its bytes over the signing message.
type Signature struct {
	Scheme    string `json:"scheme"`
	PublicKey string `json:"publicKey"` // hex
	Signature string `json:"signature"` // hex
}

// IPFSRef pins the published certificate bytes to a content address.
type IPFSRef struct {
	CID         string `json:"cid"`
	ContentHash string `json:"contentHash"`
}

// Certificate is the full wire shape §3 of the specification describes.
type Certificate struct {
	Version     int         `json:"version"`
	Identity    Identity    `json:"identity"`
	Lineage     Lineage     `json:"lineage"`
	Creation    Creation    `json:"creation"`
	Sovereignty Sovereignty `json:"sovereignty"`
	Rarity      Rarity      `json:"rarity"`
	Signature   Signature   `json:"signature"`
	IPFS        IPFSRef     `json:"ipfs"`
}

// CheckResult is one named check's outcome and, on failure, why.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// VerificationResult is the conjunction of all six checks with per-check
// diagnostics; Valid is true only when every check passed.
type VerificationResult struct {
	Valid           bool
	GenesisBinding  CheckResult
	Identity        CheckResult
	Lineage         CheckResult
	Rarity          CheckResult
	Signature       CheckResult
	ContentHash     CheckResult
}

// Checks returns the six results in the order §4.7 lists them.
func (r *VerificationResult) Checks() []CheckResult {
	return []CheckResult{r.GenesisBinding, r.Identity, r.Lineage, r.Rarity, r.Signature, r.ContentHash}
}

// Verify parses certBytes and runs all six checks against providedGenesisHash.
// A malformed certificate fails fast with an error rather than a partial
// result, since none of the six checks can be meaningfully evaluated.
func Verify(certBytes []byte, providedGenesisHash string) (*VerificationResult, error) {
	var cert Certificate
	if err := json.Unmarshal(certBytes, &cert); err != nil {
		return nil, fmt.Errorf("certificate: malformed certificate: %w", err)
	}

	result := &VerificationResult{
		GenesisBinding: checkGenesisBinding(&cert, providedGenesisHash),
		Identity:       checkIdentity(&cert),
		Lineage:        checkLineage(&cert),
		Rarity:         checkRarity(&cert),
		Signature:      checkSignature(&cert),
		ContentHash:    checkContentHash(&cert),
	}
	result.Valid = result.GenesisBinding.Passed && result.Identity.Passed && result.Lineage.Passed &&
		result.Rarity.Passed && result.Signature.Passed && result.ContentHash.Passed
	return result, nil
}

func checkGenesisBinding(cert *Certificate, providedGenesisHash string) CheckResult {
	if cert.Identity.GenesisHash == providedGenesisHash {
		return CheckResult{Name: "genesis_binding", Passed: true}
	}
	return CheckResult{Name: "genesis_binding", Detail: fmt.Sprintf(
		"certificate genesis hash %q does not match provided %q", cert.Identity.GenesisHash, providedGenesisHash)}
}

// checkIdentity recomputes namespace_hash = H(domain_v1 || genesis_hash ||
// parent_hash || namespace_id || block_number_le || entropy).
func checkIdentity(cert *Certificate) CheckResult {
	entropy, err := hex.DecodeString(cert.Creation.Entropy)
	if err != nil {
		return CheckResult{Name: "identity_derivation", Detail: fmt.Sprintf("invalid entropy encoding: %v", err)}
	}
	var blockLE [8]byte
	binary.LittleEndian.PutUint64(blockLE[:], cert.Creation.BlockNumber)

	msg := []byte(cert.Identity.GenesisHash)
	msg = append(msg, []byte(cert.Lineage.ParentHash)...)
	msg = append(msg, []byte(cert.Identity.NamespaceID)...)
	msg = append(msg, blockLE[:]...)
	msg = append(msg, entropy...)
	recomputed := hashdomain.Hex(hashdomain.Sum(DomainIdentity, msg))

	if recomputed == cert.Identity.NamespaceHash {
		return CheckResult{Name: "identity_derivation", Passed: true}
	}
	return CheckResult{Name: "identity_derivation", Detail: fmt.Sprintf(
		"recomputed namespace hash %q does not match stored %q", recomputed, cert.Identity.NamespaceHash)}
}

// checkLineage walks the Merkle path from namespace_hash, hashing with side
// per node, and compares the final value against the stored root.
func checkLineage(cert *Certificate) CheckResult {
	cur := cert.Identity.NamespaceHash
	for i, step := range cert.Lineage.MerklePath {
		var combined string
		switch step.Side {
		case "left":
			combined = step.Hash + cur
		case "right":
			combined = cur + step.Hash
		default:
			return CheckResult{Name: "lineage", Detail: fmt.Sprintf("merkle path step %d has invalid side %q", i, step.Side)}
		}
		cur = hashdomain.Hex(hashdomain.Sum(DomainLineage, []byte(combined)))
	}
	if cur == cert.Lineage.MerkleRoot {
		return CheckResult{Name: "lineage", Passed: true}
	}
	return CheckResult{Name: "lineage", Detail: fmt.Sprintf(
		"recomputed merkle root %q does not match stored %q", cur, cert.Lineage.MerkleRoot)}
}

// checkRarity recomputes score = 200*position + 300*pattern + 100*entropy +
// 150*temporal + 250*structural and allows the sole real-valued tolerance
// of 0.1 the repository permits.
func checkRarity(cert *Certificate) CheckResult {
	c := cert.Rarity.Components
	recomputed := 200*c.Position + 300*c.Pattern + 100*c.Entropy + 150*c.Temporal + 250*c.Structural
	if math.Abs(recomputed-cert.Rarity.Score) <= RarityTolerance {
		return CheckResult{Name: "rarity", Passed: true}
	}
	return CheckResult{Name: "rarity", Detail: fmt.Sprintf(
		"recomputed rarity score %.4f is outside tolerance of stored %.4f", recomputed, cert.Rarity.Score)}
}

// checkSignature reconstructs the canonical signing message from the
// namespace hash, parent hash, block number (LE), timestamp (LE), and
// public key, then verifies under the declared scheme. An unrecognized or
// malformed scheme always fails — there is no "always accept" fallback.
func checkSignature(cert *Certificate) CheckResult {
	pubKey, err := hex.DecodeString(cert.Signature.PublicKey)
	if err != nil {
		return CheckResult{Name: "signature", Detail: fmt.Sprintf("invalid public key encoding: %v", err)}
	}
	sigBytes, err := hex.DecodeString(cert.Signature.Signature)
	if err != nil {
		return CheckResult{Name: "signature", Detail: fmt.Sprintf("invalid signature encoding: %v", err)}
	}

	var blockLE [8]byte
	binary.LittleEndian.PutUint64(blockLE[:], cert.Creation.BlockNumber)
	var tsLE [8]byte
	binary.LittleEndian.PutUint64(tsLE[:], uint64(cert.Creation.Timestamp))

	msg := []byte(cert.Identity.NamespaceHash)
	msg = append(msg, []byte(cert.Lineage.ParentHash)...)
	msg = append(msg, blockLE[:]...)
	msg = append(msg, tsLE[:]...)
	msg = append(msg, pubKey...)

	ok, err := sig.Verify(sig.Scheme(cert.Signature.Scheme), pubKey, msg, sigBytes)
	if err != nil {
		return CheckResult{Name: "signature", Detail: err.Error()}
	}
	if ok {
		return CheckResult{Name: "signature", Passed: true}
	}
	return CheckResult{Name: "signature", Detail: "signature does not verify under the declared scheme"}
}

// checkContentHash canonicalizes the certificate with its ipfs block
// emptied, hashes that under DomainContent, and compares the result to the
// stored content hash, matching how the certificate builder computed the
// hash before stamping it in.
func checkContentHash(cert *Certificate) CheckResult {
	unstamped := *cert
	unstamped.IPFS = IPFSRef{}
	canonical, err := hashdomain.Canonicalize(unstamped)
	if err != nil {
		return CheckResult{Name: "content_hash", Detail: fmt.Sprintf("failed to canonicalize certificate: %v", err)}
	}
	recomputed := hashdomain.Hex(hashdomain.Sum(DomainContent, canonical))
	if recomputed == cert.IPFS.ContentHash {
		return CheckResult{Name: "content_hash", Passed: true}
	}
	return CheckResult{Name: "content_hash", Detail: fmt.Sprintf(
		"recomputed content hash %q does not match stored %q", recomputed, cert.IPFS.ContentHash)}
}
