package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("announce: edge 0011223344556677")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.True(t, Verify(&priv.PublicKey, msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	sig, err := Sign(priv, []byte("original"))
	require.NoError(t, err)

	assert.False(t, Verify(&priv.PublicKey, []byte("tampered"), sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.False(t, Verify(&other.PublicKey, msg, sig))
}

func TestPointFromPublicKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	p, err := PointFromPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	back := p.PublicKey()
	assert.Equal(t, 0, priv.PublicKey.X.Cmp(back.X))
	assert.Equal(t, 0, priv.PublicKey.Y.Cmp(back.Y))
}

func TestScalarFromIntLeftPadsZeroes(t *testing.T) {
	small := big.NewInt(7)
	s, err := ScalarFromInt(small)
	require.NoError(t, err)
	assert.Equal(t, byte(7), s[AxisSize-1])
	for _, b := range s[:AxisSize-1] {
		assert.Equal(t, byte(0), b)
	}
}

func TestScalarFromIntRejectsOversizedInt(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 8*(AxisSize+1))
	_, err := ScalarFromInt(huge)
	assert.Equal(t, ErrInvalidLength, err)
}

func TestECDHIsSymmetric(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	secretA, err := ECDH(a, &b.PublicKey)
	require.NoError(t, err)
	secretB, err := ECDH(b, &a.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, secretA, secretB)
}

func TestStreamingHashMatchesSha256(t *testing.T) {
	msg := []byte("the quick brown fox")
	want := Sha256(msg)

	sh := NewStreamingHash()
	sh.Write(msg[:4])
	sh.Write(msg[4:])
	assert.Equal(t, want, sh.Sum())
}

func TestErrorKindMessages(t *testing.T) {
	assert.Equal(t, "crypto: invalid length", ErrInvalidLength.Error())
	assert.Equal(t, "crypto: backend error", ErrBackendError.Error())
	assert.Equal(t, "crypto: signature invalid", ErrSignatureInvalid.Error())
}
