// Package transport defines the two external collaborators spec §1 treats
// as out-of-scope: the publish/subscribe broker (MQTT-semantics) and the
// constrained request/response channel (CoAP-semantics). The core only ever
// depends on these interfaces; the InMemory adapters are reference
// adapters used by tests, not a production transport.
package transport

import (
	"context"
	"net/netip"
)

// Status mirrors the CoAP response codes the protocol reuses (spec §6).
type Status int

const (
	StatusCreated            Status = 201 // 2.01
	StatusContent            Status = 205 // 2.05
	StatusBadRequest         Status = 400 // 4.00
	StatusInternalError      Status = 500 // 5.00
	StatusServiceUnavailable Status = 503 // 5.03
)

// Response is a CoAP-style response: a status, an optional body, and — for
// 5.03 — a Max-Age retry hint.
type Response struct {
	Status  Status
	Body    []byte
	MaxAge  int // seconds; meaningful only alongside StatusServiceUnavailable
}

// Confirmable distinguishes CoAP CON (retried until acked) from NON
// (fire-and-forget) message semantics, used by trust exchange's broadcast
// (NON) versus its point-to-point reply (also carried as a POST, see
// pkg/exchange).
type Confirmable bool

const (
	NonConfirmable Confirmable = false
	ConfirmableMsg Confirmable = true
)

// Exchanger is the constrained request/response transport: GET/POST against
// a small set of well-known URIs, addressed by endpoint. Handlers registered
// via HandleGET/HandlePOST receive the request body and return a Response;
// Get/Post issue outbound requests and block until the transport reports a
// result (spec §5 "outbound confirmable requests suspend until the
// transport reports response, finished, or error").
type Exchanger interface {
	// Get issues a GET to uri on target, returning its response.
	Get(ctx context.Context, target netip.Addr, uri string, body []byte) (Response, error)
	// Post issues a POST to uri on target with the given confirmability.
	Post(ctx context.Context, target netip.Addr, uri string, body []byte, confirmable Confirmable) (Response, error)
	// HandleGET registers the handler invoked for inbound GETs at uri.
	HandleGET(uri string, handler func(from netip.Addr, body []byte) Response)
	// HandlePOST registers the handler invoked for inbound POSTs at uri.
	HandlePOST(uri string, handler func(from netip.Addr, body []byte) Response)
}

// Broker is the publish/subscribe transport: MQTT-semantics topic strings,
// byte payloads, no delivery guarantees beyond what the broker itself
// promises. Gossip (pkg/gossip) is the only caller.
type Broker interface {
	// Publish sends payload on topic.
	Publish(topic string, payload []byte) error
	// Subscribe registers handler for every message whose topic matches
	// pattern (an MQTT-style filter, e.g. "edge/+/announce" — the in-memory
	// adapter below only supports the exact prefix form the gossip package
	// actually uses: "edge/").
	Subscribe(pattern string, handler func(topic string, payload []byte)) error
}
