// The keybook file is this CLI's equivalent of the teacher's quorum.json:
// a single JSON document genkeys produces and every other subcommand reads
// back, naming every participant's identity, key material, issued
// certificate and fixed network endpoint — standing in for the out-of-band
// provisioning step a real deployment would do through its root authority
// before any node ever comes up.
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/internal/node"
	"github.com/fogmesh/trustmesh/pkg/cert"
)

// basePort is the first TCP port handed out to participants; root always
// listens one below it.
const basePort = 15683

type participantRecord struct {
	EUI64       string   `json:"eui64"`
	Role        string   `json:"role"` // "edge" or "node"
	DeviceClass uint8    `json:"device_class"`
	PrivateKey  string   `json:"private_key_der_hex"`
	Certificate string   `json:"certificate_cbor_hex"`
	Port        uint16   `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type keybook struct {
	RootEUI64      string              `json:"root_eui64"`
	RootPrivateKey string              `json:"root_private_key_der_hex"`
	RootPort       uint16              `json:"root_port"`
	ModelTag       uint8               `json:"model_tag"`
	Participants   []participantRecord `json:"participants"`
}

func loadKeybook(path string) (*keybook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kb := new(keybook)
	if err := json.Unmarshal(data, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

func (kb *keybook) save(path string) error {
	data, err := json.MarshalIndent(kb, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (kb *keybook) rootEUI64() (euiaddr.EUI64, error) {
	return euiaddr.ParseHex(kb.RootEUI64)
}

func (kb *keybook) rootPrivateKey() (*ecdsa.PrivateKey, error) {
	return decodeECKey(kb.RootPrivateKey)
}

func (kb *keybook) rootAddr() netip.Addr {
	id, _ := kb.rootEUI64()
	return euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, id)
}

// participant looks up a participant record by EUI-64 hex.
func (kb *keybook) participant(eui64Hex string) (participantRecord, bool) {
	for _, p := range kb.Participants {
		if p.EUI64 == eui64Hex {
			return p, true
		}
	}
	return participantRecord{}, false
}

func (p participantRecord) eui64() (euiaddr.EUI64, error) {
	return euiaddr.ParseHex(p.EUI64)
}

func (p participantRecord) privateKey() (*ecdsa.PrivateKey, error) {
	return decodeECKey(p.PrivateKey)
}

func (p participantRecord) certificate(codec *cert.Codec) (cert.Certificate, error) {
	raw, err := hex.DecodeString(p.Certificate)
	if err != nil {
		return cert.Certificate{}, err
	}
	return codec.Decode(raw)
}

func (p participantRecord) role() (node.Role, error) {
	switch p.Role {
	case "edge":
		return node.RoleEdge, nil
	case "node":
		return node.RoleNode, nil
	default:
		return 0, fmt.Errorf("keybook: unknown participant role %q", p.Role)
	}
}

func decodeECKey(hexDER string) (*ecdsa.PrivateKey, error) {
	der, err := hex.DecodeString(hexDER)
	if err != nil {
		return nil, err
	}
	return x509.ParseECPrivateKey(der)
}

func encodeECKey(priv *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(der), nil
}
