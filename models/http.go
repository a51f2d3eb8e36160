package models

import (
	"encoding/json"
	"fmt"
)

// Request is the HTTP-shaped payload carried by a request envelope.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Response is the HTTP-shaped payload carried by a response envelope.
type Response struct {
	Status  int               `json:"status"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EncodeBody marshals v into a raw JSON body. A nil value yields an empty body.
func EncodeBody(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return raw, nil
}

// NewResponse builds a response with a JSON-encoded body.
func NewResponse(status int, body any) (Response, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: status, Body: raw}, nil
}

// DecodeBody unmarshals the request body into v.
func (r Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode request body: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// DecodeBody unmarshals the response body into v.
func (r Response) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response body: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
