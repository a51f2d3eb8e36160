package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lanpair/crypto"
	"lanpair/models"
	"lanpair/network"
	"lanpair/pairing"
	"lanpair/storage"
)

const (
	// DefaultPassword and DefaultSalt are used for key derivation when none are configured.
	DefaultPassword = "password"
	DefaultSalt     = "salt"
	// DefaultMaintenanceInterval is the expired pairing sweep period.
	DefaultMaintenanceInterval = 10 * time.Minute
)

var (
	// ErrDeviceNotFound indicates no usable pairing exists for a device id.
	ErrDeviceNotFound = errors.New("node: device not found")
	// ErrInvalidDeviceID indicates a device id that is not "address:port".
	ErrInvalidDeviceID = errors.New("node: invalid device id")
	// ErrNotStarted indicates an operation that needs a bound transport.
	ErrNotStarted = errors.New("node: not started")
)

// StatusError is returned by SendRequest when the peer answers with a non-200 status.
type StatusError struct {
	Status int
	Body   json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// Options configures a Node.
type Options struct {
	DeviceName          string
	Port                int
	Password            string
	Salt                string
	Iterations          int
	PairingTTL          time.Duration
	RequestTimeout      time.Duration
	MaintenanceInterval time.Duration
	RateLimit           uint64
	StoragePrefix       string
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Password == "" {
		out.Password = DefaultPassword
	}
	if out.Salt == "" {
		out.Salt = DefaultSalt
	}
	if out.Iterations <= 0 {
		out.Iterations = crypto.DefaultIterations
	}
	if out.PairingTTL <= 0 {
		out.PairingTTL = pairing.DefaultTTL
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = network.DefaultCallTimeout
	}
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Node ties the transport, pairing directory, engine and router into one device.
type Node struct {
	opts      Options
	storage   pairing.Storage
	transport network.Transport
	directory *pairing.Directory
	engine    *network.Engine
	router    *network.Router

	mu      sync.RWMutex
	key     []byte
	port    int
	started bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Node. Call Start before generating codes or sending requests.
func New(store pairing.Storage, transport network.Transport, resolver pairing.AddressResolver, options Options) (*Node, error) {
	opts := options.withDefaults()

	directory := pairing.NewDirectory(store, resolver, pairing.Options{
		Prefix:     opts.StoragePrefix,
		DefaultTTL: opts.PairingTTL,
		Now:        opts.Now,
	})

	engine, err := network.NewEngine(transport, directory, network.EngineOptions{
		DefaultTimeout:  opts.RequestTimeout,
		RateLimitTokens: opts.RateLimit,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		opts:      opts,
		storage:   store,
		transport: transport,
		directory: directory,
		engine:    engine,
		router:    network.NewRouter(),
		stop:      make(chan struct{}),
	}
	n.router.Get("/ping", n.handlePing)
	n.router.Bind(engine)
	return n, nil
}

// Start derives the shared key, binds the transport and starts the maintenance loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return errors.New("node: already started")
	}

	key, err := crypto.DeriveKey(n.opts.Password, n.opts.Salt, n.opts.Iterations, crypto.KeyBits)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	port, err := n.transport.Start(n.opts.Port)
	if err != nil {
		return err
	}

	n.key = key
	n.port = port
	n.started = true

	n.wg.Add(1)
	go n.maintenanceLoop(ctx)

	log.WithFields(log.Fields{
		"port": port,
		"name": n.opts.DeviceName,
	}).Info("Node started")
	return nil
}

// Port returns the bound transport port.
func (n *Node) Port() (int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.port, n.started
}

// Router exposes the inbound request router for route registration.
func (n *Node) Router() *network.Router {
	return n.router
}

// GenerateCode returns a pairing code for this device. extra is merged over the default metadata.
func (n *Node) GenerateCode(extra map[string]any) (string, error) {
	n.mu.RLock()
	key, port, started := n.key, n.port, n.started
	n.mu.RUnlock()

	if !started {
		return "", ErrNotStarted
	}

	metadata := map[string]any{"deviceName": n.opts.DeviceName}
	for k, v := range extra {
		metadata[k] = v
	}

	return n.directory.GenerateCode(port, crypto.EncodeKey(key), n.opts.PairingTTL, metadata)
}

// ScanCode decodes a pairing code from another device and stores it.
func (n *Node) ScanCode(code string) (models.Device, error) {
	info, err := n.directory.DecodeCode(code)
	if err != nil {
		return models.Device{}, err
	}
	if err := n.directory.Save(info); err != nil {
		return models.Device{}, err
	}

	device := models.DeviceFromPairing(info)
	log.WithFields(log.Fields{
		"device": device.ID,
		"name":   device.Name,
	}).Info("Paired device")
	return device, nil
}

// Devices lists every paired device with an unexpired pairing.
func (n *Node) Devices() ([]models.Device, error) {
	return n.directory.Devices()
}

// Device returns one paired device.
func (n *Node) Device(id string) (models.Device, error) {
	info, err := n.lookup(id)
	if err != nil {
		return models.Device{}, err
	}
	return models.DeviceFromPairing(*info), nil
}

// RemoveDevice forgets a paired device.
func (n *Node) RemoveDevice(id string) error {
	info, err := n.lookup(id)
	if err != nil {
		return err
	}
	if err := n.directory.Remove(info.Address, info.Port); err != nil {
		return err
	}
	n.checkpoint()

	log.WithField("device", id).Info("Removed paired device")
	return nil
}

// SendRequest sends a request to a paired device and returns the response body.
func (n *Node) SendRequest(ctx context.Context, method, path, deviceID string, body any) (json.RawMessage, error) {
	info, err := n.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	raw, err := models.EncodeBody(body)
	if err != nil {
		return nil, err
	}

	response, err := n.engine.Call(ctx, models.Request{Method: method, Path: path, Body: raw}, *info, n.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if response.Status != http.StatusOK {
		return nil, &StatusError{Status: response.Status, Body: response.Body}
	}
	return response.Body, nil
}

// RemoveExpired runs one maintenance sweep.
func (n *Node) RemoveExpired() (int, error) {
	evicted, err := n.directory.RemoveExpired()
	if err != nil {
		return evicted, err
	}
	if evicted > 0 {
		n.checkpoint()
	}
	return evicted, nil
}

// Close stops maintenance, fails pending calls and stops the transport.
func (n *Node) Close() error {
	var closeErr error
	n.closeOnce.Do(func() {
		close(n.stop)
		n.wg.Wait()

		engineErr := n.engine.Close()
		transportErr := n.transport.Stop()
		closeErr = errors.Join(engineErr, transportErr)
	})
	return closeErr
}

func (n *Node) lookup(id string) (*models.PairingInfo, error) {
	address, port, err := pairing.ParseDeviceID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeviceID, err)
	}

	info, err := n.directory.Lookup(address, port)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return info, nil
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted, err := n.RemoveExpired()
			if err != nil {
				log.WithError(err).Warn("Pairing maintenance sweep failed")
			} else if evicted > 0 {
				log.WithField("evicted", evicted).Info("Evicted expired pairings")
			}
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		}
	}
}

// checkpoint compacts storage after pairing records were deleted.
func (n *Node) checkpoint() {
	checkpointer, ok := n.storage.(storage.Checkpointer)
	if !ok {
		return
	}
	if err := checkpointer.Checkpoint(); err != nil {
		log.WithError(err).Warn("Storage checkpoint after eviction failed")
	}
}

func (n *Node) handlePing(ctx context.Context, request models.Request, peer models.PairingInfo) (models.Response, error) {
	return models.NewResponse(http.StatusOK, map[string]string{
		"message":    "pong",
		"deviceName": n.opts.DeviceName,
	})
}
