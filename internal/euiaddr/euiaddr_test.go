package euiaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexRoundTrip(t *testing.T) {
	id, err := ParseHex("0011223344556677")
	require.NoError(t, err)
	assert.Equal(t, "0011223344556677", id.String())
}

func TestParseHexRejectsWrongLength(t *testing.T) {
	_, err := ParseHex("0011")
	assert.ErrorIs(t, err, ErrInvalidEUI64Hex)
}

func TestParseHexRejectsUppercase(t *testing.T) {
	_, err := ParseHex("0011223344556AFF")
	assert.ErrorIs(t, err, ErrInvalidEUI64Hex)
}

func TestAddrFromEUI64AndBackRoundTrip(t *testing.T) {
	id, err := ParseHex("0011223344556677")
	require.NoError(t, err)

	addr := AddrFromEUI64(DefaultGlobalPrefix, id)
	back, ok := EUI64FromAddr(addr)
	require.True(t, ok)
	assert.Equal(t, id, back)
}

func TestEUI64FromAddrRejectsIPv4(t *testing.T) {
	_, ok := EUI64FromAddr(netip.MustParseAddr("192.0.2.1"))
	assert.False(t, ok)
}

func TestNormalizeRewritesLinkLocalToGlobal(t *testing.T) {
	id, err := ParseHex("aabbccddeeff0011")
	require.NoError(t, err)

	linkLocal := AddrFromEUI64(DefaultLinkLocalPrefix, id)
	normalized := Normalize(linkLocal)

	global := AddrFromEUI64(DefaultGlobalPrefix, id)
	assert.Equal(t, global, normalized)
}

func TestNormalizeLeavesOtherPrefixesUnchanged(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::1")
	assert.Equal(t, addr, Normalize(addr))
}

func TestInterfaceIDFlipsUniversalLocalBit(t *testing.T) {
	id := EUI64{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	iid := id.InterfaceID()
	assert.Equal(t, byte(0x02), iid[0])
	assert.Equal(t, byte(0x33), iid[3])
	assert.Equal(t, byte(0x44), iid[4])
}
