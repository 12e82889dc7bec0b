package trust

import (
	"fmt"
	"strings"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
)

// parseEdgeKeyHex decodes the 16-hex-digit EUI-64 form used as a map key in
// every variant's CBOR wire encoding (CBOR maps must key on a concrete,
// comparable scalar; euiaddr.EUI64's own String() form is reused rather
// than introducing a second hex codec).
func parseEdgeKeyHex(s string) (EdgeKey, error) {
	id, err := euiaddr.ParseHex(s)
	if err != nil {
		return EdgeKey{}, err
	}
	return id, nil
}

// parseCapKeyString is the inverse of capKeyString, used when decoding the
// per-capability maps in each variant's wire form.
func parseCapKeyString(s string) (capKey, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return capKey{}, fmt.Errorf("trust: malformed capability key %q", s)
	}
	id, err := parseEdgeKeyHex(s[:idx])
	if err != nil {
		return capKey{}, err
	}
	return capKey{edge: id, cap: s[idx+1:]}, nil
}
