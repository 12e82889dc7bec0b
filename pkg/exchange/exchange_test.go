package exchange

import (
	"context"
	"crypto/ecdsa"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/pkg/cert"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
	"github.com/fogmesh/trustmesh/pkg/cryptoqueue"
	"github.com/fogmesh/trustmesh/pkg/keystore"
	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/transport"
	"github.com/fogmesh/trustmesh/pkg/trust"
)

type participant struct {
	eui      euiaddr.EUI64
	addr     netip.Addr
	priv     *ecdsa.PrivateKey
	cert     cert.Certificate
	keystore *keystore.Keystore
	registry *registry.Registry
	model    trust.Model
	exch     *Exchange
}

func issueFor(t *testing.T, codec *cert.Codec, rootPriv *ecdsa.PrivateKey, rootEUI, subjectEUI euiaddr.EUI64, subjectPub *ecdsa.PublicKey) cert.Certificate {
	t.Helper()
	point, err := trustcrypto.PointFromPublicKey(subjectPub)
	require.NoError(t, err)
	tbs := cert.TBS{
		Serial:     1,
		Issuer:     rootEUI,
		NotBefore:  0,
		NotAfter:   1 << 30,
		Subject:    subjectEUI,
		Tags:       [1]cert.DeviceClass{cert.MinDeviceClass},
		SubjectKey: point,
	}
	tbsBytes, err := codec.EncodeTBS(tbs)
	require.NoError(t, err)
	sig, err := trustcrypto.Sign(rootPriv, tbsBytes)
	require.NoError(t, err)
	return cert.Certificate{TBS: tbs, Signature: sig}
}

// buildParticipant wires one node's keystore/registry/model/exchange onto a
// shared InMemoryExchanger, the same assembly internal/node performs.
func buildParticipant(t *testing.T, codec *cert.Codec, ex *transport.InMemoryExchanger, rootEUI euiaddr.EUI64, rootPub *ecdsa.PublicKey, lowByte byte, stop chan struct{}) *participant {
	t.Helper()
	priv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	var eui euiaddr.EUI64
	eui[7] = lowByte
	addr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, eui)

	queue := cryptoqueue.New(4)
	go queue.Run(stop)

	ks := keystore.New(keystore.Config{
		Capacity:      8,
		RootEUI64:     rootEUI,
		RootPublicKey: rootPub,
		OurEUI64:      eui,
		OurPrivateKey: priv,
		Codec:         codec,
		Queue:         queue,
	}, stop)

	reg := registry.New(registry.DefaultConfig())
	model, err := trust.New(trust.Config{Variant: trust.VariantBetaReputation, Weights: trust.DefaultWeights()})
	require.NoError(t, err)

	exch := New(Config{
		OurEUI64:      eui,
		OurPrivateKey: priv,
		Exchanger:     ex.Endpoint(addr),
		Keystore:      ks,
		Registry:      reg,
		Model:         model,
		Queue:         queue,
		Now:           time.Now,
	})
	exch.Start()
	t.Cleanup(exch.Stop)

	return &participant{eui: eui, addr: addr, priv: priv, keystore: ks, registry: reg, model: model, exch: exch}
}

func TestExchangeHandlePOSTMergesKnownEdgeIntoPeerRecord(t *testing.T) {
	codec, err := cert.NewCodec()
	require.NoError(t, err)
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	var rootEUI euiaddr.EUI64
	rootEUI[7] = 0xff

	ex := transport.NewInMemoryExchanger()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	a := buildParticipant(t, codec, ex, rootEUI, &rootPriv.PublicKey, 1, stop)
	b := buildParticipant(t, codec, ex, rootEUI, &rootPriv.PublicKey, 2, stop)

	// a and b must hold each other's verified certificate before the
	// exchange protocol's signature check can pass.
	aCert := issueFor(t, codec, rootPriv, rootEUI, a.eui, &a.priv.PublicKey)
	bCert := issueFor(t, codec, rootPriv, rootEUI, b.eui, &b.priv.PublicKey)
	_, err = a.keystore.AddVerified(bCert)
	require.NoError(t, err)
	_, err = b.keystore.AddVerified(aCert)
	require.NoError(t, err)

	// b knows about an edge that a also knows about locally, so the merge
	// should carry it into a's peer record for b.
	edgeID := euiaddr.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
	_, err = a.registry.Announce(edgeID, registry.Endpoint{Addr: netip.MustParseAddr("fd00::42"), Port: 1}, [1]uint8{1})
	require.NoError(t, err)
	b.model.OnTaskSubmission(edgeID, trust.TaskSubmissionOutcome{AckOK: true})

	frame, err := b.exch.buildFrame(true, trust.EdgeKey{})
	require.NoError(t, err)
	sig, err := trustcrypto.Sign(b.priv, frame)
	require.NoError(t, err)
	payload := append(append([]byte(nil), frame...), sig[:]...)

	resp, err := ex.Endpoint(b.addr).Post(context.Background(), a.addr, TrustURI, payload, transport.NonConfirmable)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusCreated, resp.Status)

	require.Eventually(t, func() bool {
		peer, ok := a.registry.FindPeer(b.addr)
		return ok && peer.KnownEdges[edgeID] != nil
	}, time.Second, time.Millisecond)
}

func TestExchangeHandlePOSTRejectsUnknownSigner(t *testing.T) {
	codec, err := cert.NewCodec()
	require.NoError(t, err)
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	var rootEUI euiaddr.EUI64
	rootEUI[7] = 0xff

	ex := transport.NewInMemoryExchanger()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	a := buildParticipant(t, codec, ex, rootEUI, &rootPriv.PublicKey, 1, stop)

	payload := append([]byte("not a real frame but long enough "), make([]byte, trustcrypto.SignatureSize)...)

	resp, err := ex.Endpoint(netip.MustParseAddr("fd00::99")).Post(context.Background(), a.addr, TrustURI, payload, transport.NonConfirmable)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, MaxAgeMissingKey, resp.MaxAge)
}

func TestExchangeHandlePOSTRejectsOversizedFrame(t *testing.T) {
	codec, err := cert.NewCodec()
	require.NoError(t, err)
	rootPriv, err := trustcrypto.GenerateKey()
	require.NoError(t, err)
	var rootEUI euiaddr.EUI64
	rootEUI[7] = 0xff

	ex := transport.NewInMemoryExchanger()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	a := buildParticipant(t, codec, ex, rootEUI, &rootPriv.PublicKey, 1, stop)

	oversized := make([]byte, MaxFrameSize+1)
	resp, err := ex.Endpoint(netip.MustParseAddr("fd00::99")).Post(context.Background(), a.addr, TrustURI, oversized, transport.NonConfirmable)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusBadRequest, resp.Status)
}
