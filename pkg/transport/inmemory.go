package transport

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// InMemoryBroker is a reference Broker that dispatches synchronously within
// the same process — sufficient for tests; a real
// deployment plugs in an MQTT client here instead.
type InMemoryBroker struct {
	mu       sync.Mutex
	handlers map[string][]func(topic string, payload []byte)
}

// NewInMemoryBroker constructs an empty broker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{handlers: make(map[string][]func(topic string, payload []byte))}
}

// Publish fans payload out to every subscriber whose pattern is a prefix of
// topic — a deliberately simplified match sufficient for the gossip
// package's "edge/" style filters.
func (b *InMemoryBroker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	var matched []func(string, []byte)
	for pattern, hs := range b.handlers {
		if strings.HasPrefix(topic, pattern) {
			matched = append(matched, hs...)
		}
	}
	b.mu.Unlock()
	for _, h := range matched {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers handler under pattern.
func (b *InMemoryBroker) Subscribe(pattern string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
	return nil
}

// InMemoryExchanger is a reference Exchanger connecting multiple endpoints
// registered in the same process — the CoAP-style equivalent of
// InMemoryBroker, used the same way.
type InMemoryExchanger struct {
	mu    sync.Mutex
	nodes map[netip.Addr]*exchangerNode
}

type exchangerNode struct {
	mu           sync.Mutex
	getHandlers  map[string]func(from netip.Addr, body []byte) Response
	postHandlers map[string]func(from netip.Addr, body []byte) Response
}

// NewInMemoryExchanger constructs an empty multi-endpoint exchanger.
func NewInMemoryExchanger() *InMemoryExchanger {
	return &InMemoryExchanger{nodes: make(map[netip.Addr]*exchangerNode)}
}

// Endpoint returns an Exchanger bound to addr's identity within this
// exchanger — the per-node view every subsystem actually holds.
func (x *InMemoryExchanger) Endpoint(addr netip.Addr) Exchanger {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.nodes[addr]; !ok {
		x.nodes[addr] = &exchangerNode{
			getHandlers:  make(map[string]func(netip.Addr, []byte) Response),
			postHandlers: make(map[string]func(netip.Addr, []byte) Response),
		}
	}
	return &boundExchanger{x: x, self: addr}
}

type boundExchanger struct {
	x    *InMemoryExchanger
	self netip.Addr
}

func (b *boundExchanger) Get(_ context.Context, target netip.Addr, uri string, body []byte) (Response, error) {
	b.x.mu.Lock()
	node, ok := b.x.nodes[target]
	b.x.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("transport: no such endpoint %s", target)
	}
	node.mu.Lock()
	h, ok := node.getHandlers[uri]
	node.mu.Unlock()
	if !ok {
		return Response{Status: StatusBadRequest}, nil
	}
	return h(b.self, body), nil
}

func (b *boundExchanger) Post(_ context.Context, target netip.Addr, uri string, body []byte, _ Confirmable) (Response, error) {
	b.x.mu.Lock()
	node, ok := b.x.nodes[target]
	b.x.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("transport: no such endpoint %s", target)
	}
	node.mu.Lock()
	h, ok := node.postHandlers[uri]
	node.mu.Unlock()
	if !ok {
		return Response{Status: StatusBadRequest}, nil
	}
	return h(b.self, body), nil
}

func (b *boundExchanger) HandleGET(uri string, handler func(from netip.Addr, body []byte) Response) {
	b.x.mu.Lock()
	node := b.x.nodes[b.self]
	b.x.mu.Unlock()
	node.mu.Lock()
	node.getHandlers[uri] = handler
	node.mu.Unlock()
}

func (b *boundExchanger) HandlePOST(uri string, handler func(from netip.Addr, body []byte) Response) {
	b.x.mu.Lock()
	node := b.x.nodes[b.self]
	b.x.mu.Unlock()
	node.mu.Lock()
	node.postHandlers[uri] = handler
	node.mu.Unlock()
}

