package network

import (
	"context"
	"net/http"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"lanpair/models"
)

// HandlerFunc serves one routed request. A returned error becomes a 500 response.
type HandlerFunc func(ctx context.Context, request models.Request, peer models.PairingInfo) (models.Response, error)

type routeKey struct {
	method string
	path   string
}

// Router dispatches inbound requests by exact method and path.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]HandlerFunc)}
}

// Handle registers handler for method and path, replacing any previous registration.
func (r *Router) Handle(method, path string, handler HandlerFunc) {
	r.mu.Lock()
	r.routes[routeKey{method: method, path: path}] = handler
	r.mu.Unlock()
}

func (r *Router) Get(path string, handler HandlerFunc)    { r.Handle("GET", path, handler) }
func (r *Router) Post(path string, handler HandlerFunc)   { r.Handle("POST", path, handler) }
func (r *Router) Put(path string, handler HandlerFunc)    { r.Handle("PUT", path, handler) }
func (r *Router) Delete(path string, handler HandlerFunc) { r.Handle("DELETE", path, handler) }

// Dispatch runs the matching handler. Unmatched requests get a 404 response.
func (r *Router) Dispatch(ctx context.Context, request models.Request, peer models.PairingInfo) models.Response {
	r.mu.RLock()
	handler, ok := r.routes[routeKey{method: request.Method, path: request.Path}]
	r.mu.RUnlock()

	if !ok {
		return models.Response{Status: http.StatusNotFound}
	}

	response, err := handler(ctx, request, peer)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":   peer.Endpoint(),
			"method": request.Method,
			"path":   request.Path,
		}).WithError(err).Warn("Route handler failed")
		return models.Response{Status: http.StatusInternalServerError}
	}
	return response
}

// ServeRequest adapts the router to an engine RequestHandler.
func (r *Router) ServeRequest(ctx context.Context, request models.Request, peer models.PairingInfo, respond Responder) {
	response := r.Dispatch(ctx, request, peer)
	if err := respond(response); err != nil {
		log.WithFields(log.Fields{
			"peer":   peer.Endpoint(),
			"method": request.Method,
			"path":   request.Path,
		}).WithError(err).Warn("Failed to send response")
	}
}

// Bind installs the router as engine's request handler.
func (r *Router) Bind(engine *Engine) {
	engine.OnRequest(r.ServeRequest)
}

// Routes lists registered routes as "METHOD path", sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.routes))
	for key := range r.routes {
		out = append(out, key.method+" "+key.path)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
