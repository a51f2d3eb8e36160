package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its announcement changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

var (
	// ErrScannerNotStarted is returned by Refresh before Start.
	ErrScannerNotStarted = errors.New("discovery: scanner not started")
	// ErrScannerStopped is returned once Stop has been called.
	ErrScannerStopped = errors.New("discovery: scanner stopped")
)

// EventType identifies presence updates.
type EventType string

// Event carries presence updates for node and control agent consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a LAN device announcing the lanpair service.
type DiscoveredPeer struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Version    int       `json:"version"`
	HostName   string    `json:"host_name"`
	Port       int       `json:"port"`
	Addresses  []string  `json:"addresses"`
	LastSeen   time.Time `json:"last_seen"`
}

// Endpoints returns the "address:port" forms of the announcement, one per
// address. They use the same shape as paired device identifiers.
func (p DiscoveredPeer) Endpoints() []string {
	out := make([]string, 0, len(p.Addresses))
	for _, addr := range p.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(p.Port)))
	}
	return out
}

func (p DiscoveredPeer) sameAnnouncement(other DiscoveredPeer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.Version == other.Version &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

// PeerScanner keeps a snapshot of announcing devices using periodic mDNS
// browse windows. Each window replaces the snapshot.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	// scanMu serializes browse windows and guards events against close.
	scanMu sync.Mutex

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]DiscoveredPeer),
		events: make(chan Event, 128),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins background scanning. Calling it again is a no-op.
func (s *PeerScanner) Start() error {
	if s.ctx.Err() != nil {
		return ErrScannerStopped
	}
	if s.started.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.loop()
	}
	return nil
}

// Stop ends background scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.scanMu.Lock()
		close(s.events)
		s.scanMu.Unlock()
	})
}

// Events provides asynchronous presence updates. Updates are dropped when
// the consumer falls behind.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one browse window now and waits for it to finish. A window
// abandoned through ctx leaves the snapshot untouched.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return ErrScannerNotStarted
	}
	return s.scan(ctx)
}

// ListPeers returns the current snapshot ordered by name then device id.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.scan(s.ctx); err != nil && !errors.Is(err, ErrScannerStopped) {
			log.WithError(err).WithField("service", s.cfg.Service).Warn("mDNS presence scan failed")
		}

		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if s.ctx.Err() != nil {
		return ErrScannerStopped
	}

	window, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)

	group, groupCtx := errgroup.WithContext(window)
	group.Go(func() error {
		// The window ending is the normal way a browse finishes.
		if err := s.browse(groupCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("browse %s: %w", s.cfg.Service, err)
		}
		return nil
	})
	group.Go(func() error {
		in := entries
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = s.cfg.Now()
				collected[peer.DeviceID] = peer
			}
		}
	})

	if err := group.Wait(); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrScannerStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.applySnapshot(collected)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !old.sameAnnouncement(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry turns a browse result into a presence record. Announcements
// without a device id and our own announcement are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	var deviceID string
	version := 0
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case txtDeviceID:
			deviceID = strings.TrimSpace(value)
		case txtVersion:
			if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				version = parsed
			}
		}
	}
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if len(ip) == 0 {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}
