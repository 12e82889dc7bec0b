package cert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
)

func testTBS(t *testing.T) TBS {
	t.Helper()
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	point, err := trustcrypto.PointFromPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return TBS{
		Serial:     1,
		Issuer:     euiaddr.EUI64{0, 0, 0, 0, 0, 0, 0, 1},
		NotBefore:  0,
		NotAfter:   1 << 30,
		Subject:    euiaddr.EUI64{0, 0, 0, 0, 0, 0, 0, 2},
		Tags:       [1]DeviceClass{MinDeviceClass},
		SubjectKey: point,
	}
}

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)

	tbs := testTBS(t)
	tbsBytes, err := codec.EncodeTBS(tbs)
	require.NoError(t, err)

	sig, err := trustcrypto.Sign(rootPriv, tbsBytes)
	require.NoError(t, err)

	original := Certificate{TBS: tbs, Signature: sig}
	encoded, err := codec.Encode(original)
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, original, decoded)
	assert.True(t, trustcrypto.Verify(&rootPriv.PublicKey, tbsBytes, decoded.Signature))
}

func TestEncodeTBSIsDeterministic(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	tbs := testTBS(t)
	a, err := codec.EncodeTBS(tbs)
	require.NoError(t, err)
	b, err := codec.EncodeTBS(tbs)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDecodeRejectsInvalidDeviceClass(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)

	tbs := testTBS(t)
	// bypass Valid() by hand-assembling a wire array with an out-of-range
	// tag, the way a malicious or buggy peer would.
	w := wireTBS{
		Serial:     tbs.Serial,
		Issuer:     tbs.Issuer[:],
		Validity:   validity{NotBefore: tbs.NotBefore, NotAfter: tbs.NotAfter},
		Subject:    tbs.Subject[:],
		Tags:       []uint8{0},
		SubjectKey: tbs.SubjectKey[:],
	}
	raw, err := codec.enc.Marshal(w)
	require.NoError(t, err)

	full, err := codec.enc.Marshal(wireCertificate{TBS: w, Signature: make([]byte, trustcrypto.SignatureSize)})
	require.NoError(t, err)
	_ = raw

	_, err = codec.Decode(full)
	assert.ErrorIs(t, err, ErrInvalidDeviceClass)
}

func TestDeviceClassValid(t *testing.T) {
	assert.True(t, MinDeviceClass.Valid())
	assert.True(t, MaxDeviceClass.Valid())
	assert.False(t, DeviceClass(0).Valid())
	assert.False(t, DeviceClass(6).Valid())
}
