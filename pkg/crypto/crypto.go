// Package crypto is the single-verb façade over ECDSA-P256, ECDH and
// SHA-256 required by spec §4.A. Every exported function accepts and
// returns big-endian byte encodings so the wire format never depends on the
// host's native word order; the fixed-width Scalar/Point types below are the
// one site that performs the big<->native conversion, following the
// teacher's PubKeyAxis/Coordinate idiom (message.go) of a single marshal
// site per wire quantity instead of ad-hoc byte swapping at every caller.
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// ErrorKind enumerates the failure kinds spec §4.A names explicitly.
type ErrorKind int

const (
	ErrInvalidLength ErrorKind = iota
	ErrBackendError
	ErrSignatureInvalid
)

func (k ErrorKind) Error() string {
	switch k {
	case ErrInvalidLength:
		return "crypto: invalid length"
	case ErrBackendError:
		return "crypto: backend error"
	case ErrSignatureInvalid:
		return "crypto: signature invalid"
	default:
		return "crypto: unknown error"
	}
}

// Curve is the fixed elliptic curve for the whole deployment: P256, per
// spec §3. Unlike the teacher, which swaps in btcec's secp256k1 behind the
// same stdlib ecdsa.PrivateKey shape, we keep the stdlib curve directly
// since the spec pins P256 and there is no reason to vendor a different one.
var Curve = elliptic.P256()

// AxisSize is the big-endian width of one coordinate (x, y, or a private
// scalar) for P256.
const AxisSize = 32

// SignatureSize is the wire width of an (r, s) signature pair.
const SignatureSize = 2 * AxisSize

// Scalar is a fixed-width big-endian encoding of a P256 scalar (a private
// key or a signature component), grounded on message.go's PubKeyAxis.
type Scalar [AxisSize]byte

// Bytes returns the big-endian scalar bytes.
func (s Scalar) Bytes() []byte { return s[:] }

// Int returns the scalar as a big.Int.
func (s Scalar) Int() *big.Int { return new(big.Int).SetBytes(s[:]) }

// ScalarFromInt encodes a big.Int into a fixed-width big-endian Scalar,
// left-padding with zero bytes (message.go's Unmarshal: "if data is less
// than 32 bytes, we MUST keep the leading zeros").
func ScalarFromInt(i *big.Int) (Scalar, error) {
	var s Scalar
	b := i.Bytes()
	if len(b) > AxisSize {
		return s, ErrInvalidLength
	}
	copy(s[AxisSize-len(b):], b)
	return s, nil
}

// Point is the big-endian (X, Y) encoding of a public key, grounded on
// message.go's Coordinate.
type Point [2 * AxisSize]byte

// X returns the big-endian X-axis bytes.
func (p Point) X() []byte { return p[:AxisSize] }

// Y returns the big-endian Y-axis bytes.
func (p Point) Y() []byte { return p[AxisSize:] }

// PointFromPublicKey encodes an *ecdsa.PublicKey into a Point.
func PointFromPublicKey(pub *ecdsa.PublicKey) (Point, error) {
	var p Point
	x, err := ScalarFromInt(pub.X)
	if err != nil {
		return p, err
	}
	y, err := ScalarFromInt(pub.Y)
	if err != nil {
		return p, err
	}
	copy(p[:AxisSize], x[:])
	copy(p[AxisSize:], y[:])
	return p, nil
}

// PublicKey decodes a Point back into an *ecdsa.PublicKey on Curve.
func (p Point) PublicKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: Curve,
		X:     new(big.Int).SetBytes(p.X()),
		Y:     new(big.Int).SetBytes(p.Y()),
	}
}

// Signature is the wire form of an ECDSA signature: 64 bytes, r then s.
type Signature [SignatureSize]byte

// GenerateKey creates a new P256 keypair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(Curve, rand.Reader)
}

// Sha256 hashes msg in one shot.
func Sha256(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

// StreamingHash is the init/update/finalise SHA-256 interface spec §4.A
// requires for hashing objects that are never fully materialised (e.g. a
// certificate's TBS region streamed straight out of the CBOR encoder).
type StreamingHash struct {
	h interface {
		Write(p []byte) (int, error)
	}
	sum func() [32]byte
}

// NewStreamingHash starts a new streaming SHA-256 context.
func NewStreamingHash() *StreamingHash {
	h := sha256.New()
	return &StreamingHash{
		h: h,
		sum: func() [32]byte {
			var out [32]byte
			copy(out[:], h.Sum(nil))
			return out
		},
	}
}

// Write feeds more bytes into the running hash.
func (s *StreamingHash) Write(p []byte) { s.h.Write(p) }

// Sum finalises and returns the digest. Sum may be called only once per
// context; the underlying hash.Hash is not reset.
func (s *StreamingHash) Sum() [32]byte { return s.sum() }

// Sign signs msg's SHA-256 digest with priv, returning the wire-form
// Signature.
func Sign(priv *ecdsa.PrivateKey, msg []byte) (Signature, error) {
	var out Signature
	digest := Sha256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return out, errors.Join(ErrBackendError, err)
	}
	rs, err := ScalarFromInt(r)
	if err != nil {
		return out, ErrInvalidLength
	}
	ss, err := ScalarFromInt(s)
	if err != nil {
		return out, ErrInvalidLength
	}
	copy(out[:AxisSize], rs[:])
	copy(out[AxisSize:], ss[:])
	return out, nil
}

// Verify checks sig against msg's SHA-256 digest under pub.
func Verify(pub *ecdsa.PublicKey, msg []byte, sig Signature) bool {
	digest := Sha256(msg)
	r := new(big.Int).SetBytes(sig[:AxisSize])
	s := new(big.Int).SetBytes(sig[AxisSize:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// ECDH derives a 32-byte shared secret between priv and peerPub.
func ECDH(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey) ([32]byte, error) {
	var out [32]byte
	ourECDH, err := priv.ECDH()
	if err != nil {
		return out, errors.Join(ErrBackendError, err)
	}
	peerPoint, err := PointFromPublicKey(peerPub)
	if err != nil {
		return out, err
	}
	peerUncompressed := append([]byte{0x04}, peerPoint[:]...)
	peerECDH, err := ecdh.P256().NewPublicKey(peerUncompressed)
	if err != nil {
		return out, errors.Join(ErrBackendError, err)
	}
	secret, err := ourECDH.ECDH(peerECDH)
	if err != nil {
		return out, errors.Join(ErrBackendError, err)
	}
	digest := sha256.Sum256(secret)
	copy(out[:], digest[:])
	return out, nil
}
