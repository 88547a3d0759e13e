package crypto

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

// SignatureLength is the size of one encoded signature slot.
const SignatureLength = 65

// preApprovedMarker is the type byte marking a slot as a pre-approval by a
// contract owner rather than an ECDSA signature.
const preApprovedMarker = 0x01

// SignatureKind distinguishes the two ways a wallet owner can authorise a
// transaction.
type SignatureKind uint8

const (
	// SignatureRecovered is an ECDSA signature over the transaction digest.
	SignatureRecovered SignatureKind = iota + 1
	// SignaturePreApproved names an owner whose approval is implied by the
	// caller or by an earlier on-chain approval of the digest.
	SignaturePreApproved
)

func (k SignatureKind) String() string {
	switch k {
	case SignatureRecovered:
		return "recovered"
	case SignaturePreApproved:
		return "pre-approved"
	default:
		return fmt.Sprintf("SignatureKind(%d)", uint8(k))
	}
}

// Signature is one owner's authorisation of a wallet transaction.
type Signature struct {
	Kind     SignatureKind
	Raw      [SignatureLength]byte
	Approver common.Address
}

// Recovered wraps a 65-byte ECDSA signature.
func Recovered(raw []byte) (Signature, error) {
	if len(raw) != SignatureLength {
		return Signature{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "expected %d bytes, got %d", SignatureLength, len(raw))
	}
	sig := Signature{Kind: SignatureRecovered}
	copy(sig.Raw[:], raw)
	return sig, nil
}

// PreApproved builds the pre-approval slot for approver.
func PreApproved(approver common.Address) Signature {
	return Signature{Kind: SignaturePreApproved, Approver: approver}
}

// Encode returns the 65-byte wire form. A pre-approval is the approver left
// padded to 32 bytes, 32 zero bytes and the 0x01 marker.
func (s Signature) Encode() []byte {
	out := make([]byte, SignatureLength)
	switch s.Kind {
	case SignaturePreApproved:
		copy(out[12:32], s.Approver.Bytes())
		out[64] = preApprovedMarker
	default:
		copy(out, s.Raw[:])
	}
	return out
}

// Signer returns the owner that produced the signature. Recovered signatures
// must carry v as 27 or 28.
func (s Signature) Signer(hash common.Hash) (common.Address, error) {
	switch s.Kind {
	case SignaturePreApproved:
		return s.Approver, nil
	case SignatureRecovered:
		v := s.Raw[64]
		if v != 27 && v != 28 {
			return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "unsupported recovery id %d", v)
		}
		normalized := make([]byte, SignatureLength)
		copy(normalized, s.Raw[:])
		normalized[64] = v - 27
		pub, err := crypto.SigToPub(hash.Bytes(), normalized)
		if err != nil {
			return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "recover: %v", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	default:
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "unknown signature kind %s", s.Kind)
	}
}

// DecodeSignature parses a single 65-byte slot.
func DecodeSignature(raw []byte) (Signature, error) {
	if len(raw) != SignatureLength {
		return Signature{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "expected %d bytes, got %d", SignatureLength, len(raw))
	}
	if raw[64] == preApprovedMarker {
		if !isZero(raw[:12]) || !isZero(raw[32:64]) {
			return Signature{}, cerrors.Wrap(cerrors.ErrInvalidSignature, "malformed pre-approved slot")
		}
		return PreApproved(common.BytesToAddress(raw[12:32])), nil
	}
	return Recovered(raw)
}

// DecodeSignatures splits a concatenation of slots.
func DecodeSignatures(raw []byte) ([]Signature, error) {
	if len(raw) == 0 || len(raw)%SignatureLength != 0 {
		return nil, cerrors.Wrap(cerrors.ErrInvalidSignature, "length %d is not a multiple of %d", len(raw), SignatureLength)
	}
	out := make([]Signature, 0, len(raw)/SignatureLength)
	for offset := 0; offset < len(raw); offset += SignatureLength {
		sig, err := DecodeSignature(raw[offset : offset+SignatureLength])
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", offset/SignatureLength, err)
		}
		out = append(out, sig)
	}
	return out, nil
}

// EncodeSignatures concatenates the wire form of every slot.
func EncodeSignatures(sigs []Signature) []byte {
	out := make([]byte, 0, len(sigs)*SignatureLength)
	for _, sig := range sigs {
		out = append(out, sig.Encode()...)
	}
	return out
}

// ContractSignature returns the pre-approval slot for contract.
func ContractSignature(contract common.Address) []byte {
	return PreApproved(contract).Encode()
}

// ComposeSignature pairs an off-chain owner signature with the pre-approval of
// contract. The slots are ordered by ascending owner address: the off-chain
// slot comes first only when signer sorts below contract. The result is always
// 130 bytes.
func ComposeSignature(contract, signer common.Address, sig []byte) ([]byte, error) {
	offchain, err := Recovered(sig)
	if err != nil {
		return nil, err
	}
	pair := []Signature{PreApproved(contract), offchain}
	if bytes.Compare(signer.Bytes(), contract.Bytes()) < 0 {
		pair[0], pair[1] = pair[1], pair[0]
	}
	return EncodeSignatures(pair), nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
