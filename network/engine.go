package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	log "github.com/sirupsen/logrus"

	"lanpair/crypto"
	"lanpair/models"
)

// DefaultCallTimeout bounds a Call when no timeout is given.
const DefaultCallTimeout = 5 * time.Second

var (
	// ErrTimeout indicates no matching response arrived before the call deadline.
	ErrTimeout = errors.New("network: request timed out")
	// ErrEngineClosed indicates the engine was closed before the call completed.
	ErrEngineClosed = errors.New("network: engine closed")
)

// PairingLookup resolves the pairing record for a sender endpoint.
// A nil record with a nil error means the sender is not paired.
type PairingLookup interface {
	Lookup(address string, port int) (*models.PairingInfo, error)
}

// Responder sends the response for one inbound request back to its sender.
type Responder func(response models.Response) error

// RequestHandler handles one inbound request. ctx is cancelled when the engine closes.
type RequestHandler func(ctx context.Context, request models.Request, peer models.PairingInfo, respond Responder)

// EngineOptions configures an Engine.
type EngineOptions struct {
	DefaultTimeout time.Duration

	// RateLimitTokens datagrams are accepted per sender per RateLimitInterval.
	// Zero disables inbound rate limiting unless Limiter is set.
	RateLimitTokens   uint64
	RateLimitInterval time.Duration
	Limiter           limiter.Store

	Now   func() time.Time
	NewID func() string
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = DefaultCallTimeout
	}
	if out.RateLimitInterval <= 0 {
		out.RateLimitInterval = time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.NewID == nil {
		out.NewID = uuid.NewString
	}
	return out
}

type callResult struct {
	response models.Response
	err      error
}

type pendingCall struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	result    chan callResult
}

// Engine correlates encrypted requests and responses over a Transport.
type Engine struct {
	transport Transport
	pairings  PairingLookup
	opts      EngineOptions
	limiter   limiter.Store

	mu      sync.Mutex
	pending map[string]*pendingCall
	handler RequestHandler
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	handlers  sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine wires an engine to transport and installs its receive handler.
func NewEngine(transport Transport, pairings PairingLookup, options EngineOptions) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if pairings == nil {
		return nil, errors.New("engine: pairing lookup is required")
	}

	opts := options.withDefaults()
	store := opts.Limiter
	if store == nil && opts.RateLimitTokens > 0 {
		var err error
		store, err = memorystore.New(&memorystore.Config{
			Tokens:   opts.RateLimitTokens,
			Interval: opts.RateLimitInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		transport: transport,
		pairings:  pairings,
		opts:      opts,
		limiter:   store,
		pending:   make(map[string]*pendingCall),
		ctx:       ctx,
		cancel:    cancel,
	}
	transport.SetReceiveHandler(engine.handleDatagram)
	return engine, nil
}

// OnRequest installs the inbound request handler, replacing any previous one.
func (e *Engine) OnRequest(handler RequestHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Call sends request to peer and waits for the matching response.
// A timeout <= 0 uses the engine default.
func (e *Engine) Call(ctx context.Context, request models.Request, peer models.PairingInfo, timeout time.Duration) (models.Response, error) {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	key, err := crypto.ParseKey(peer.Key)
	if err != nil {
		return models.Response{}, fmt.Errorf("peer %s key: %w", peer.Endpoint(), err)
	}

	call, err := e.register(timeout)
	if err != nil {
		return models.Response{}, err
	}
	defer e.remove(call)

	payload, err := SealEnvelope(key, Envelope{
		Type:      EnvelopeRequest,
		RequestID: call.id,
		Request:   &request,
	})
	if err != nil {
		return models.Response{}, err
	}
	if err := e.transport.Send(payload, peer.Address, peer.Port); err != nil {
		return models.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-call.result:
		return result.response, result.err
	case <-timer.C:
		if e.remove(call) {
			log.WithFields(log.Fields{
				"request_id": call.id,
				"peer":       peer.Endpoint(),
				"method":     request.Method,
				"path":       request.Path,
			}).Debug("Request timed out")
			return models.Response{}, fmt.Errorf("%w: %s %s to %s after %s", ErrTimeout, request.Method, request.Path, peer.Endpoint(), timeout)
		}
	case <-ctx.Done():
		if e.remove(call) {
			return models.Response{}, ctx.Err()
		}
	}

	// Resolved concurrently with the timer or ctx; the result is already buffered.
	result := <-call.result
	return result.response, result.err
}

// Get sends a GET request with no body.
func (e *Engine) Get(ctx context.Context, peer models.PairingInfo, path string) (models.Response, error) {
	return e.Call(ctx, models.Request{Method: "GET", Path: path}, peer, 0)
}

// Post sends a POST request with body encoded as JSON.
func (e *Engine) Post(ctx context.Context, peer models.PairingInfo, path string, body any) (models.Response, error) {
	return e.callWithBody(ctx, "POST", peer, path, body)
}

// Put sends a PUT request with body encoded as JSON.
func (e *Engine) Put(ctx context.Context, peer models.PairingInfo, path string, body any) (models.Response, error) {
	return e.callWithBody(ctx, "PUT", peer, path, body)
}

// Delete sends a DELETE request with no body.
func (e *Engine) Delete(ctx context.Context, peer models.PairingInfo, path string) (models.Response, error) {
	return e.Call(ctx, models.Request{Method: "DELETE", Path: path}, peer, 0)
}

func (e *Engine) callWithBody(ctx context.Context, method string, peer models.PairingInfo, path string, body any) (models.Response, error) {
	raw, err := models.EncodeBody(body)
	if err != nil {
		return models.Response{}, err
	}
	return e.Call(ctx, models.Request{Method: method, Path: path, Body: raw}, peer, 0)
}

// PendingCount reports how many calls are awaiting a response.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close fails all pending calls with ErrEngineClosed and waits for running request handlers.
// The transport is not stopped.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		pending := e.pending
		e.pending = make(map[string]*pendingCall)
		e.mu.Unlock()

		for _, call := range pending {
			call.result <- callResult{err: ErrEngineClosed}
		}

		e.cancel()
		e.handlers.Wait()

		if e.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			closeErr = e.limiter.Close(ctx)
			cancel()
		}
	})
	return closeErr
}

func (e *Engine) register(timeout time.Duration) (*pendingCall, error) {
	now := e.opts.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	id := e.opts.NewID()
	for {
		if _, exists := e.pending[id]; !exists {
			break
		}
		id = e.opts.NewID()
	}

	call := &pendingCall{
		id:        id,
		createdAt: now,
		deadline:  now.Add(timeout),
		result:    make(chan callResult, 1),
	}
	e.pending[id] = call
	return call, nil
}

// remove drops call from the table and reports whether this caller removed it.
func (e *Engine) remove(call *pendingCall) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if current, ok := e.pending[call.id]; ok && current == call {
		delete(e.pending, call.id)
		return true
	}
	return false
}

func (e *Engine) resolve(id string, response models.Response) bool {
	e.mu.Lock()
	call, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	call.result <- callResult{response: response}
	return true
}

func (e *Engine) handleDatagram(payload []byte, address string, port int) {
	endpoint := net.JoinHostPort(address, strconv.Itoa(port))
	fields := log.Fields{"peer": endpoint}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if e.limiter != nil {
		_, _, _, ok, err := e.limiter.Take(e.ctx, endpoint)
		if err != nil {
			log.WithFields(fields).WithError(err).Debug("Rate limiter unavailable, dropping datagram")
			return
		}
		if !ok {
			log.WithFields(fields).Debug("Rate limit exceeded, dropping datagram")
			return
		}
	}

	ciphertext, iv, err := ParseDatagram(payload)
	if err != nil {
		log.WithFields(fields).WithError(err).Debug("Dropping datagram")
		return
	}

	peer, err := e.pairings.Lookup(address, port)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("Pairing lookup failed, dropping datagram")
		return
	}
	if peer == nil {
		log.WithFields(fields).Debug("Dropping datagram from unpaired sender")
		return
	}

	key, err := crypto.ParseKey(peer.Key)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("Stored pairing key is unusable, dropping datagram")
		return
	}

	env, err := OpenEnvelope(key, iv, ciphertext)
	if err != nil {
		log.WithFields(fields).WithError(err).Debug("Dropping datagram")
		return
	}

	switch env.Type {
	case EnvelopeResponse:
		if !e.resolve(env.RequestID, *env.Response) {
			log.WithFields(fields).WithField("request_id", env.RequestID).Debug("Discarding response with no pending call")
		}
	case EnvelopeRequest:
		e.dispatch(env, *peer, key)
	}
}

func (e *Engine) dispatch(env Envelope, peer models.PairingInfo, key []byte) {
	e.mu.Lock()
	handler := e.handler
	if handler == nil || e.closed {
		e.mu.Unlock()
		log.WithFields(log.Fields{
			"peer":       peer.Endpoint(),
			"request_id": env.RequestID,
		}).Debug("No request handler, dropping request")
		return
	}
	e.handlers.Add(1)
	e.mu.Unlock()

	requestID := env.RequestID
	respond := func(response models.Response) error {
		payload, err := SealEnvelope(key, Envelope{
			Type:      EnvelopeResponse,
			RequestID: requestID,
			Response:  &response,
		})
		if err != nil {
			return err
		}
		return e.transport.Send(payload, peer.Address, peer.Port)
	}

	go func() {
		defer e.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"peer":       peer.Endpoint(),
					"request_id": requestID,
					"panic":      r,
				}).Error("Request handler panicked")
			}
		}()
		handler(e.ctx, *env.Request, peer, respond)
	}()
}
