// Package wire implements JSON-RPC 2.0 request/response envelope
// encoding and decoding, including batch arrays, with id-based (not
// positional) response routing. Shapes are re-expressed in this
// package's own naming rather than imported from any RPC client
// library, since the transport owns both directions of the wire.
package wire

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Request is a single JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// NewRequest builds a Request with the given numeric id.
func NewRequest(id uint64, method string, params json.RawMessage) Request {
	return Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
	}
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a single JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// EncodeRequest marshals a single request.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// EncodeBatch marshals a batch of requests as a JSON array, preserving
// submission order (the order has no routing significance once
// DecodeBatchResponses has run, but upstreams may use it for logging).
func EncodeBatch(reqs []Request) ([]byte, error) {
	return json.Marshal(reqs)
}

// DecodeResponse unmarshals a single response object.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode rpc response: %w", err)
	}
	return resp, nil
}

// DecodeBatchResponses unmarshals a batch response array into a map
// keyed by the raw id string, since JSON-RPC 2.0 batch responses may
// arrive in any order and must be routed by id, never by position.
func DecodeBatchResponses(raw []byte) (map[string]Response, error) {
	var responses []Response
	if err := json.Unmarshal(raw, &responses); err != nil {
		return nil, fmt.Errorf("decode rpc batch response: %w", err)
	}
	byID := make(map[string]Response, len(responses))
	for _, r := range responses {
		byID[string(r.ID)] = r
	}
	return byID, nil
}

// IDString normalises a numeric call id to the string key used to
// index DecodeBatchResponses's map.
func IDString(id uint64) string {
	return fmt.Sprintf("%d", id)
}
