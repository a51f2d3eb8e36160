package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxDatagramSize is the largest payload Send accepts (IPv4 UDP limit).
	MaxDatagramSize = 65507
	// readBufferSize is large enough for any IPv4 UDP datagram.
	readBufferSize = 64 * 1024
)

var (
	// ErrBind indicates the transport could not bind its socket.
	ErrBind = errors.New("network: bind failed")
	// ErrNotStarted indicates Send was called before Start.
	ErrNotStarted = errors.New("network: transport not started")
	// ErrSend indicates the datagram could not be handed to the OS.
	ErrSend = errors.New("network: send failed")
)

// ReceiveHandler is invoked once per inbound datagram with the sender endpoint.
type ReceiveHandler func(payload []byte, address string, port int)

// Transport is an unreliable, unordered datagram socket.
type Transport interface {
	Start(preferredPort int) (int, error)
	Stop() error
	Send(payload []byte, address string, port int) error
	SetReceiveHandler(handler ReceiveHandler)
}

// UDPTransport is a Transport over one IPv4 UDP socket.
type UDPTransport struct {
	bindAddress string

	mu      sync.RWMutex
	conn    *net.UDPConn
	handler ReceiveHandler
	wg      sync.WaitGroup
}

// NewUDPTransport returns a transport that binds on bindAddress.
// An empty bindAddress listens on all interfaces.
func NewUDPTransport(bindAddress string) *UDPTransport {
	return &UDPTransport{bindAddress: bindAddress}
}

// Start binds the socket and starts the read loop. Port 0 lets the OS pick.
func (t *UDPTransport) Start(preferredPort int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return 0, fmt.Errorf("%w: transport already started", ErrBind)
	}
	if preferredPort < 0 || preferredPort > 65535 {
		return 0, fmt.Errorf("%w: invalid port %d", ErrBind, preferredPort)
	}

	laddr := &net.UDPAddr{Port: preferredPort}
	if t.bindAddress != "" {
		ip := net.ParseIP(t.bindAddress)
		if ip == nil {
			return 0, fmt.Errorf("%w: invalid bind address %q", ErrBind, t.bindAddress)
		}
		laddr.IP = ip
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBind, err)
	}
	t.conn = conn

	boundPort := conn.LocalAddr().(*net.UDPAddr).Port

	t.wg.Add(1)
	go t.readLoop(conn)

	log.WithFields(log.Fields{
		"address": conn.LocalAddr().String(),
	}).Info("UDP transport listening")
	return boundPort, nil
}

// Stop closes the socket and waits for the read loop. Calling Stop more than once is safe.
// Stop must not be called from inside a ReceiveHandler.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	t.wg.Wait()
	return err
}

// Port returns the bound port and whether the transport is started.
func (t *UDPTransport) Port() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return 0, false
	}
	return t.conn.LocalAddr().(*net.UDPAddr).Port, true
}

// Send transmits one datagram. Success means the OS accepted it, not that it arrived.
func (t *UDPTransport) Send(payload []byte, address string, port int) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return ErrNotStarted
	}
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrSend, len(payload), MaxDatagramSize)
	}

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: resolve %s:%d: %v", ErrSend, address, port, err)
	}
	if _, err := conn.WriteToUDP(payload, raddr); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// SetReceiveHandler replaces the inbound datagram handler. A nil handler drops datagrams.
func (t *UDPTransport) SetReceiveHandler(handler ReceiveHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *UDPTransport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("UDP read failed")
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler == nil {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		address := addr.IP.String()
		if ip4 := addr.IP.To4(); ip4 != nil {
			address = ip4.String()
		}
		handler(payload, address, addr.Port)
	}
}
