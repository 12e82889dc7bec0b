// Package cert implements the deterministic CBOR certificate codec of spec
// §4.C, grounded on forestrie-go-merklelog's massifs/cborcodec.go pattern
// of a single reusable canonical EncMode/DecMode pair built once and shared
// by every caller, rather than constructing encoder options ad hoc per call
// site.
package cert

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
)

var (
	ErrInvalidDeviceClass = errors.New("cert: invalid device_class")
	ErrRoundTrip          = errors.New("cert: TBS re-encoding did not round-trip")
	ErrArity              = errors.New("cert: wrong array arity")
)

// DeviceClass is the one stereotype tag the deployment currently defines.
type DeviceClass uint8

const (
	MinDeviceClass DeviceClass = 1
	MaxDeviceClass DeviceClass = 5
)

func (d DeviceClass) Valid() bool { return d >= MinDeviceClass && d <= MaxDeviceClass }

// TBS is the "to-be-signed" portion of a certificate: everything the
// issuer's signature covers. It is never marshaled directly — wireTBS below
// is the literal array shape CBOR-encodes to; TBS is the ergonomic
// flattening callers build and inspect.
type TBS struct {
	Serial     uint32
	Issuer     euiaddr.EUI64
	NotBefore  uint32
	NotAfter   uint32
	Subject    euiaddr.EUI64
	Tags       [1]DeviceClass
	SubjectKey trustcrypto.Point
}

// validity is TBS's nested [not-before, not-after] array, kept as its own
// toarray type so TBS's outer array stays exactly 6 elements as spec §4.C
// requires ([serial, issuer, [nb,na], subject, tags, pubkey]).
type validity struct {
	_         struct{} `cbor:",toarray"`
	NotBefore uint32
	NotAfter  uint32
}

// wireTBS is the literal 6-element array shape signed over the wire; TBS
// above is the ergonomic Go-side flattening of it.
type wireTBS struct {
	_          struct{} `cbor:",toarray"`
	Serial     uint32
	Issuer     []byte
	Validity   validity
	Subject    []byte
	Tags       []uint8
	SubjectKey []byte
}

func (t TBS) toWire() wireTBS {
	tags := make([]uint8, len(t.Tags))
	for i, v := range t.Tags {
		tags[i] = uint8(v)
	}
	return wireTBS{
		Serial:     t.Serial,
		Issuer:     append([]byte(nil), t.Issuer[:]...),
		Validity:   validity{NotBefore: t.NotBefore, NotAfter: t.NotAfter},
		Subject:    append([]byte(nil), t.Subject[:]...),
		Tags:       tags,
		SubjectKey: append([]byte(nil), t.SubjectKey[:]...),
	}
}

func (w wireTBS) toTBS() (TBS, error) {
	var t TBS
	if len(w.Issuer) != 8 || len(w.Subject) != 8 {
		return t, ErrArity
	}
	if len(w.SubjectKey) != len(trustcrypto.Point{}) {
		return t, ErrArity
	}
	if len(w.Tags) != 1 {
		return t, ErrArity
	}
	if w.Tags[0] < uint8(MinDeviceClass) || w.Tags[0] > uint8(MaxDeviceClass) {
		return t, ErrInvalidDeviceClass
	}
	t.Serial = w.Serial
	copy(t.Issuer[:], w.Issuer)
	t.NotBefore = w.Validity.NotBefore
	t.NotAfter = w.Validity.NotAfter
	copy(t.Subject[:], w.Subject)
	t.Tags[0] = DeviceClass(w.Tags[0])
	copy(t.SubjectKey[:], w.SubjectKey)
	return t, nil
}

// Certificate is the full signed object: TBS plus the issuer's signature
// over exactly the re-encoded TBS bytes.
type Certificate struct {
	TBS       TBS
	Signature trustcrypto.Signature
}

// wireCertificate is the literal 2-element [TBS, signature] array.
type wireCertificate struct {
	_         struct{} `cbor:",toarray"`
	TBS       wireTBS
	Signature []byte
}

// Codec bundles one canonical EncMode/DecMode pair, built once, shared by
// every Encode/Decode call — mirrors forestrie's NewCBORCodec constructor.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds the deterministic codec: canonical (core deterministic
// encoding) options so two encoders never disagree about map key order or
// integer width, which the signature's "byte-identical re-encoding"
// requirement depends on.
func NewCodec() (*Codec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{MaxArrayElements: 16}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// EncodeTBS re-encodes just the TBS array — the exact bytes the issuer
// signature covers.
func (c *Codec) EncodeTBS(t TBS) ([]byte, error) {
	return c.enc.Marshal(t.toWire())
}

// Encode produces the 2-element [TBS, signature] certificate array.
func (c *Codec) Encode(cert Certificate) ([]byte, error) {
	tbsBytes, err := c.EncodeTBS(cert.TBS)
	if err != nil {
		return nil, err
	}
	// decoding tbsBytes back must reproduce cert.TBS bit-for-bit: this is
	// the round-trip law of spec §8 enforced at encode time too, not just
	// on receipt.
	var check wireTBS
	if err := c.dec.Unmarshal(tbsBytes, &check); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoundTrip, err)
	}
	back, err := check.toTBS()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoundTrip, err)
	}
	if back != cert.TBS {
		return nil, ErrRoundTrip
	}
	return c.enc.Marshal(wireCertificate{
		TBS:       cert.TBS.toWire(),
		Signature: append([]byte(nil), cert.Signature[:]...),
	})
}

// Decode parses a certificate and verifies that the TBS bytes embedded in
// it, when the TBS is re-encoded with this same codec, are byte-identical
// to what must have been signed — the deterministic-codec invariant of
// spec §4.C/§8.
func (c *Codec) Decode(data []byte) (Certificate, error) {
	var wc wireCertificate
	if err := c.dec.Unmarshal(data, &wc); err != nil {
		return Certificate{}, fmt.Errorf("cert: decode: %w", err)
	}
	if len(wc.Signature) != len(trustcrypto.Signature{}) {
		return Certificate{}, ErrArity
	}
	tbs, err := wc.TBS.toTBS()
	if err != nil {
		return Certificate{}, err
	}
	reencoded, err := c.EncodeTBS(tbs)
	if err != nil {
		return Certificate{}, err
	}
	var raw struct {
		_         struct{} `cbor:",toarray"`
		TBS       cbor.RawMessage
		Signature []byte
	}
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return Certificate{}, fmt.Errorf("cert: decode: %w", err)
	}
	if string(reencoded) != string(raw.TBS) {
		return Certificate{}, ErrRoundTrip
	}
	var cert Certificate
	cert.TBS = tbs
	copy(cert.Signature[:], wc.Signature)
	return cert, nil
}
