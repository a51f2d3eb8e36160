package network

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	appcrypto "lanpair/crypto"
	"lanpair/models"
)

type memoryPairings struct {
	mu      sync.Mutex
	records map[string]models.PairingInfo
}

func newMemoryPairings() *memoryPairings {
	return &memoryPairings{records: make(map[string]models.PairingInfo)}
}

func (m *memoryPairings) Lookup(address string, port int) (*models.PairingInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.records[net.JoinHostPort(address, strconv.Itoa(port))]
	if !ok || info.ExpiredAt(time.Now()) {
		return nil, nil
	}
	return &info, nil
}

func (m *memoryPairings) add(info models.PairingInfo) {
	m.mu.Lock()
	m.records[info.Endpoint()] = info
	m.mu.Unlock()
}

type testNode struct {
	transport *UDPTransport
	port      int
	engine    *Engine
	pairings  *memoryPairings
	router    *Router
}

func newTestNode(t *testing.T, options EngineOptions) *testNode {
	t.Helper()

	transport, port := startTestTransport(t)
	pairings := newMemoryPairings()
	engine, err := NewEngine(transport, pairings, options)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})

	router := NewRouter()
	router.Bind(engine)

	return &testNode{
		transport: transport,
		port:      port,
		engine:    engine,
		pairings:  pairings,
		router:    router,
	}
}

// pairingFor is the record a peer keeps about n.
func (n *testNode) pairingFor(key string) models.PairingInfo {
	return models.PairingInfo{
		Address:   "127.0.0.1",
		Port:      n.port,
		Key:       key,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func pairNodes(a, b *testNode, key string) {
	a.pairings.add(b.pairingFor(key))
	b.pairings.add(a.pairingFor(key))
}

func mustKeyText(t *testing.T) string {
	t.Helper()
	return appcrypto.EncodeKey(mustKey(t))
}

func mustKeyTextFrom(key []byte) string {
	return appcrypto.EncodeKey(key)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

type sentDatagram struct {
	payload []byte
	address string
	port    int
}

// fakeTransport records sends and lets tests inject inbound datagrams.
type fakeTransport struct {
	mu      sync.Mutex
	handler ReceiveHandler
	sent    []sentDatagram
	sendErr error
}

func (f *fakeTransport) Start(int) (int, error) { return 1, nil }
func (f *fakeTransport) Stop() error            { return nil }

func (f *fakeTransport) Send(payload []byte, address string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentDatagram{payload: payload, address: address, port: port})
	return nil
}

func (f *fakeTransport) SetReceiveHandler(handler ReceiveHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(payload []byte, address string, port int) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(payload, address, port)
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() sentDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}
