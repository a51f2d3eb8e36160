package network

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"lanpair/models"
)

func TestRouterDispatchExactMatch(t *testing.T) {
	router := NewRouter()
	router.Get("/ping", pingHandler)
	router.Post("/ping", func(context.Context, models.Request, models.PairingInfo) (models.Response, error) {
		return models.Response{Status: http.StatusCreated}, nil
	})

	peer := models.PairingInfo{Address: "10.0.0.1", Port: 1}
	if got := router.Dispatch(context.Background(), models.Request{Method: "GET", Path: "/ping"}, peer); got.Status != http.StatusOK {
		t.Fatalf("GET /ping status %d", got.Status)
	}
	if got := router.Dispatch(context.Background(), models.Request{Method: "POST", Path: "/ping"}, peer); got.Status != http.StatusCreated {
		t.Fatalf("POST /ping status %d", got.Status)
	}

	for _, req := range []models.Request{
		{Method: "PUT", Path: "/ping"},
		{Method: "GET", Path: "/ping/"},
		{Method: "get", Path: "/ping"},
		{Method: "GET", Path: "/missing"},
	} {
		got := router.Dispatch(context.Background(), req, peer)
		if diff := cmp.Diff(models.Response{Status: http.StatusNotFound}, got); diff != "" {
			t.Fatalf("%s %s: unexpected response (-want +got):\n%s", req.Method, req.Path, diff)
		}
	}
}

func TestRouterHandleOverwrites(t *testing.T) {
	router := NewRouter()
	router.Get("/v", func(context.Context, models.Request, models.PairingInfo) (models.Response, error) {
		return models.Response{Status: 1}, nil
	})
	router.Get("/v", func(context.Context, models.Request, models.PairingInfo) (models.Response, error) {
		return models.Response{Status: 2}, nil
	})

	if got := router.Dispatch(context.Background(), models.Request{Method: "GET", Path: "/v"}, models.PairingInfo{}); got.Status != 2 {
		t.Fatalf("expected latest handler to win, got status %d", got.Status)
	}
}

func TestRouterHandlerError(t *testing.T) {
	router := NewRouter()
	router.Delete("/x", func(context.Context, models.Request, models.PairingInfo) (models.Response, error) {
		return models.Response{Status: http.StatusOK}, errors.New("boom")
	})

	got := router.Dispatch(context.Background(), models.Request{Method: "DELETE", Path: "/x"}, models.PairingInfo{})
	if got.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got.Status)
	}
}

func TestRouterRoutes(t *testing.T) {
	router := NewRouter()
	router.Put("/b", pingHandler)
	router.Get("/a", pingHandler)
	router.Handle("PATCH", "/c", pingHandler)

	want := []string{"GET /a", "PATCH /c", "PUT /b"}
	if diff := cmp.Diff(want, router.Routes()); diff != "" {
		t.Fatalf("Routes mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterServeRequestResponds(t *testing.T) {
	router := NewRouter()
	router.Get("/ping", pingHandler)

	var got models.Response
	router.ServeRequest(context.Background(), models.Request{Method: "GET", Path: "/ping"}, models.PairingInfo{}, func(resp models.Response) error {
		got = resp
		return nil
	})
	if got.Status != http.StatusOK {
		t.Fatalf("expected responder to receive 200, got %d", got.Status)
	}

	router.ServeRequest(context.Background(), models.Request{Method: "GET", Path: "/ping"}, models.PairingInfo{}, func(models.Response) error {
		return ErrSend
	})
}
