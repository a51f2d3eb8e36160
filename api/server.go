package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"lanpair/discovery"
	"lanpair/models"
	"lanpair/network"
	"lanpair/node"
	"lanpair/pairing"
)

// Node is the device facade driven by the control agent.
type Node interface {
	Devices() ([]models.Device, error)
	GenerateCode(extra map[string]any) (string, error)
	ScanCode(code string) (models.Device, error)
	RemoveDevice(id string) error
	SendRequest(ctx context.Context, method, path, deviceID string, body any) (json.RawMessage, error)
}

// PresenceSource lists devices currently announcing themselves on the LAN.
type PresenceSource interface {
	ListPeers() []discovery.DiscoveredPeer
}

// Server is a local JSON control agent for a Node.
type Server struct {
	node     Node
	presence PresenceSource
	router   *mux.Router
}

// NewServer registers the control routes. presence may be nil.
func NewServer(n Node, presence PresenceSource) *Server {
	s := &Server{
		node:     n,
		presence: presence,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{id}", s.handleRemoveDevice).Methods(http.MethodDelete)
	s.router.HandleFunc("/devices/{id}/request", s.handleSendRequest).Methods(http.MethodPost)
	s.router.HandleFunc("/pairing/code", s.handleGenerateCode).Methods(http.MethodPost)
	s.router.HandleFunc("/pairing/scan", s.handleScanCode).Methods(http.MethodPost)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})

	return s
}

// ServeHTTP dispatches to the control routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(listener)
	}()

	log.WithField("address", listener.Addr().String()).Info("Control agent listening")

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errs
		return nil
	}
}

type devicesResponse struct {
	Devices []models.Device `json:"devices"`
}

type codeRequest struct {
	ExtraData map[string]any `json:"extraData"`
}

type codeResponse struct {
	Code string `json:"code"`
}

type scanRequest struct {
	Code string `json:"code"`
}

type sendRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type sendResponse struct {
	Body json.RawMessage `json:"body,omitempty"`
}

// peerView is an announcing device plus whether one of its endpoints is paired.
type peerView struct {
	discovery.DiscoveredPeer
	Paired         bool   `json:"paired"`
	PairedDeviceID string `json:"paired_device_id,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.node.Devices()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	code, err := s.node.GenerateCode(req.ExtraData)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Code: code})
}

func (s *Server) handleScanCode(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	device, err := s.node.ScanCode(req.Code)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.node.RemoveDevice(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Method == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("method and path are required"))
		return
	}

	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}

	respBody, err := s.node.SendRequest(r.Context(), req.Method, req.Path, id, body)
	if err != nil {
		var statusErr *node.StatusError
		if errors.As(err, &statusErr) {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Status: statusErr.Status})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Body: respBody})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	out := []peerView{}
	if s.presence == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	devices, err := s.node.Devices()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	paired := make(map[string]struct{}, len(devices))
	for _, device := range devices {
		paired[device.ID] = struct{}{}
	}

	for _, peer := range s.presence.ListPeers() {
		view := peerView{DiscoveredPeer: peer}
		for _, endpoint := range peer.Endpoints() {
			if _, ok := paired[endpoint]; ok {
				view.Paired = true
				view.PairedDeviceID = endpoint
				break
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pairing.ErrInvalidCode),
		errors.Is(err, pairing.ErrExpiredCode),
		errors.Is(err, node.ErrInvalidDeviceID):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, network.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, node.ErrNotStarted),
		errors.Is(err, pairing.ErrNoAddress):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("status", status).Warn("Control request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write control response")
	}
}
