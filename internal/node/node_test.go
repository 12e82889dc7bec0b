package node

import (
	"context"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/pkg/cert"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/transport"
	"github.com/fogmesh/trustmesh/pkg/trust"
)

func eui(b byte) euiaddr.EUI64 {
	var id euiaddr.EUI64
	id[7] = b
	return id
}

func TestNewRejectsUnbalancedBetaWeights(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = New(Config{
		Role:          RoleNode,
		OurEUI64:      eui(1),
		OurPrivateKey: priv,
		Exchanger:     ex.Endpoint(euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(1))),
		Trust:         trust.Config{Variant: trust.VariantBetaReputation, Weights: trust.WeightTable{TaskSubmission: 0.9}},
	})
	assert.Error(t, err)
}

func TestNewRequiresExchanger(t *testing.T) {
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = New(Config{Role: RoleNode, OurEUI64: eui(1), OurPrivateKey: priv})
	assert.Error(t, err)
}

func TestIssueCertificateOnlyAllowedForRoot(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)

	n, err := New(Config{
		Role:          RoleEdge,
		OurEUI64:      eui(1),
		OurPrivateKey: priv,
		Exchanger:     ex.Endpoint(euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(1))),
		Trust:         trust.Config{Variant: trust.VariantNone},
	})
	require.NoError(t, err)

	subjPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = n.IssueCertificate(1, eui(2), [1]cert.DeviceClass{cert.MinDeviceClass}, 0, 1<<30, &subjPriv.PublicKey)
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestIssueCertificateSignsOnRoot(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)

	root, err := New(Config{
		Role:          RoleRoot,
		OurEUI64:      eui(0xff),
		OurPrivateKey: rootPriv,
		Exchanger:     ex.Endpoint(euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(0xff))),
		Trust:         trust.Config{Variant: trust.VariantNone},
	})
	require.NoError(t, err)

	subjPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	issued, err := root.IssueCertificate(1, eui(2), [1]cert.DeviceClass{cert.MinDeviceClass}, 0, 1<<30, &subjPriv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, eui(2), issued.TBS.Subject)
	assert.Equal(t, eui(0xff), issued.TBS.Issuer)

	codec, err := cert.NewCodec()
	require.NoError(t, err)
	tbsBytes, err := codec.EncodeTBS(issued.TBS)
	require.NoError(t, err)
	assert.True(t, trustcrypto.Verify(&rootPriv.PublicKey, tbsBytes, issued.Signature))
}

func TestChooseEdgeDelegatesToConfiguredPolicy(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)

	var gotCapability string
	n, err := New(Config{
		Role:          RoleNode,
		OurEUI64:      eui(1),
		OurPrivateKey: priv,
		Exchanger:     ex.Endpoint(euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(1))),
		Trust:         trust.Config{Variant: trust.VariantNone},
		Choose: func(r *registry.Registry, m trust.Model, capability string, rnd *rand.Rand) (*registry.Edge, bool) {
			gotCapability = capability
			return nil, false
		},
	})
	require.NoError(t, err)

	_, ok := n.ChooseEdge("inference")
	assert.False(t, ok)
	assert.Equal(t, "inference", gotCapability)
}

func TestHandleKeyGETServesOwnCertificate(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	ourPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	codec, err := cert.NewCodec()
	require.NoError(t, err)

	point, err := trustcrypto.PointFromPublicKey(&ourPriv.PublicKey)
	require.NoError(t, err)
	tbs := cert.TBS{Serial: 1, Issuer: eui(0xff), NotBefore: 0, NotAfter: 1 << 30, Subject: eui(1), Tags: [1]cert.DeviceClass{cert.MinDeviceClass}, SubjectKey: point}
	tbsBytes, err := codec.EncodeTBS(tbs)
	require.NoError(t, err)
	sig, err := trustcrypto.Sign(rootPriv, tbsBytes)
	require.NoError(t, err)
	ourCert := cert.Certificate{TBS: tbs, Signature: sig}

	addr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(1))
	n, err := New(Config{
		Role:           RoleEdge,
		OurEUI64:       eui(1),
		OurPrivateKey:  ourPriv,
		OurEndpoint:    registry.Endpoint{Addr: addr, Port: 5683},
		OurCertificate: ourCert,
		RootEUI64:      eui(0xff),
		RootPublicKey:  &rootPriv.PublicKey,
		Exchanger:      ex.Endpoint(addr),
		Codec:          codec,
		Trust:          trust.Config{Variant: trust.VariantNone},
	})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(n.Stop)

	resp, err := ex.Endpoint(netip.MustParseAddr("fd00::99")).Get(context.Background(), addr, KeyURI, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusContent, resp.Status)

	decoded, err := codec.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, eui(1), decoded.TBS.Subject)
}

func TestHandleStereotypeGETAnswersHitAndMissIsBadRequest(t *testing.T) {
	ex := transport.NewInMemoryExchanger()
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	addr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(0xff))

	root, err := New(Config{
		Role:             RoleRoot,
		OurEUI64:         eui(0xff),
		OurPrivateKey:    rootPriv,
		Exchanger:        ex.Endpoint(addr),
		Trust:            trust.Config{Variant: trust.VariantNone},
		ModelTag:         3,
		StereotypePriors: []StereotypePrior{{Tags: [1]uint8{7}, Alpha: 2, Beta: 5}},
	})
	require.NoError(t, err)
	root.Start()
	t.Cleanup(root.Stop)

	hit := stereotypeRequestWire{ModelTag: 3, Tags: []uint8{7}}
	hitBody, err := cbor.Marshal(hit)
	require.NoError(t, err)
	resp, err := ex.Endpoint(netip.MustParseAddr("fd00::99")).Get(context.Background(), addr, StereotypeURI, hitBody)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusContent, resp.Status)

	miss := stereotypeRequestWire{ModelTag: 3, Tags: []uint8{9}}
	missBody, err := cbor.Marshal(miss)
	require.NoError(t, err)
	resp, err = ex.Endpoint(netip.MustParseAddr("fd00::99")).Get(context.Background(), addr, StereotypeURI, missBody)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusBadRequest, resp.Status)
}

func TestCapabilityAddTriggersStereotypeRequest(t *testing.T) {
	rootEx := transport.NewInMemoryExchanger()
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	rootAddr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(0xff))

	root, err := New(Config{
		Role:             RoleRoot,
		OurEUI64:         eui(0xff),
		OurPrivateKey:    rootPriv,
		Exchanger:        rootEx.Endpoint(rootAddr),
		Trust:            trust.Config{Variant: trust.VariantNone},
		ModelTag:         1,
		StereotypePriors: []StereotypePrior{{Tags: [1]uint8{4}, Alpha: 3, Beta: 1}},
	})
	require.NoError(t, err)
	root.Start()
	t.Cleanup(root.Stop)

	clientAddr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui(1))
	client, err := New(Config{
		Role:          RoleNode,
		OurEUI64:      eui(1),
		OurPrivateKey: rootPriv,
		RootAddr:      rootAddr,
		Exchanger:     rootEx.Endpoint(clientAddr),
		Trust:         trust.Config{Variant: trust.VariantBetaReputation, Weights: trust.DefaultWeights()},
		ModelTag:      1,
	})
	require.NoError(t, err)
	client.Start()
	t.Cleanup(client.Stop)

	edgeID := eui(2)
	_, err = client.Registry.Announce(edgeID, registry.Endpoint{Addr: netip.MustParseAddr("fd00::2"), Port: 1}, [1]uint8{4})
	require.NoError(t, err)
	_, err = client.Registry.AddCapability(edgeID, "inference")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, ok := client.Stereotypes.Find([1]uint8{4})
		return ok
	}, time.Second, time.Millisecond)
}
