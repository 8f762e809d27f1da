package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// ExecutionReport(bytes32 orderKey,uint256 leg1Output,uint256 timestamp)
	executionReportTypeHash = ethcrypto.Keccak256(
		[]byte("ExecutionReport(bytes32 orderKey,uint256 leg1Output,uint256 timestamp)"),
	)

	// CancellationReport(bytes32 orderKey,uint256 timestamp)
	cancellationReportTypeHash = ethcrypto.Keccak256(
		[]byte("CancellationReport(bytes32 orderKey,uint256 timestamp)"),
	)

	// FrozenReport(bytes32 orderKey,string reason,uint256 timestamp)
	frozenReportTypeHash = ethcrypto.Keccak256(
		[]byte("FrozenReport(bytes32 orderKey,string reason,uint256 timestamp)"),
	)
)

const (
	attestationDomainName    = "CrossArbSettlement"
	attestationDomainVersion = "1"
)

// Signer produces and verifies EIP-712 attestations for keeper callbacks.
// A keeper signs the report it delivers; the engine recovers the signer
// address and checks it against the authorized keeper set, so callback
// authorization rides on key possession rather than transport identity.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the chain ID the attestation domain is bound to.
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
	s.domainSep = buildDomainSeparator(attestationDomainName, attestationDomainVersion, chainID)
	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignExecutionReport signs an ExecutionReport attestation. The returned
// string is a hex-encoded signature with recovery byte (65 bytes total).
func (s *Signer) SignExecutionReport(orderKey string, leg1Output *big.Int, timestamp int64) (string, error) {
	digest, err := ExecutionReportDigest(s.chainID, orderKey, leg1Output, timestamp)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignCancellationReport signs a CancellationReport attestation.
func (s *Signer) SignCancellationReport(orderKey string, timestamp int64) (string, error) {
	digest, err := CancellationReportDigest(s.chainID, orderKey, timestamp)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignFrozenReport signs a FrozenReport attestation.
func (s *Signer) SignFrozenReport(orderKey, reason string, timestamp int64) (string, error) {
	digest, err := FrozenReportDigest(s.chainID, orderKey, reason, timestamp)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// ExecutionReportDigest computes the EIP-712 digest a keeper signs when
// reporting a leg-1 fill.
func ExecutionReportDigest(chainID int, orderKey string, leg1Output *big.Int, timestamp int64) ([]byte, error) {
	keyHash, err := orderKeyBytes(orderKey)
	if err != nil {
		return nil, err
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			executionReportTypeHash,
			keyHash,
			bigIntTo32Bytes(leg1Output),
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
	domainSep := buildDomainSeparator(attestationDomainName, attestationDomainVersion, chainID)
	return eip712Hash(domainSep, structHash), nil
}

// CancellationReportDigest computes the EIP-712 digest a keeper signs when
// reporting a cancellation.
func CancellationReportDigest(chainID int, orderKey string, timestamp int64) ([]byte, error) {
	keyHash, err := orderKeyBytes(orderKey)
	if err != nil {
		return nil, err
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			cancellationReportTypeHash,
			keyHash,
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
	domainSep := buildDomainSeparator(attestationDomainName, attestationDomainVersion, chainID)
	return eip712Hash(domainSep, structHash), nil
}

// FrozenReportDigest computes the EIP-712 digest a keeper signs when
// reporting a venue-side freeze. Each report type has its own type hash, so
// an attestation produced for one callback endpoint never verifies at
// another.
func FrozenReportDigest(chainID int, orderKey, reason string, timestamp int64) ([]byte, error) {
	keyHash, err := orderKeyBytes(orderKey)
	if err != nil {
		return nil, err
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			frozenReportTypeHash,
			keyHash,
			ethcrypto.Keccak256([]byte(reason)),
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
	domainSep := buildDomainSeparator(attestationDomainName, attestationDomainVersion, chainID)
	return eip712Hash(domainSep, structHash), nil
}

// RecoverSigner returns the address that produced the hex-encoded 65-byte
// signature over the given digest.
func RecoverSigner(digest []byte, signatureHex string) (common.Address, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: expected 65-byte signature, got %d", len(sig))
	}

	// go-ethereum expects v in {0,1}; callers send EIP-712 style {27,28}.
	if sig[64] >= 27 {
		sig = append(append([]byte(nil), sig[:64]...), sig[64]-27)
	}

	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// orderKeyBytes decodes a 0x-prefixed 32-byte order key.
func orderKeyBytes(orderKey string) ([]byte, error) {
	keyHex := strings.TrimPrefix(orderKey, "0x")
	b, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid order key %q: %w", orderKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto/signer: expected 32-byte order key, got %d", len(b))
	}
	return b, nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
