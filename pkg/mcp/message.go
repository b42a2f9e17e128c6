// Package mcp provides the JSON-RPC wire types and codec helpers shared by
// the gateway's transports: the envelope structs put on the wire toward the
// backend, and the parsed form of client calls arriving on the /mcp
// endpoint.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Version is the JSON-RPC protocol version on every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes plus the gateway's billing code.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInternalError   = -32603
	CodePaymentRequired = -32402
)

// PaymentRequiredPrefix prefixes billing-denial messages; the denial reason
// token follows it verbatim.
const PaymentRequiredPrefix = "Payment required: "

// Parse failures surfaced by ParseCall. ErrParse means the body was not
// JSON at all; ErrInvalidRequest means it was JSON but not a JSON-RPC 2.0
// request.
var (
	ErrParse          = errors.New("parse error")
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is the JSON-RPC envelope the gateway puts on the wire toward the
// backend. A nil ID makes the envelope a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON-RPC envelope the backend answers with.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object. It implements error so transports
// can surface backend errors through ordinary error returns.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Call is one parsed client request from the /mcp endpoint. ID holds the
// raw id value exactly as the client sent it (number, string, or null).
type Call struct {
	Raw    []byte
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// ParseCall validates and parses a client JSON-RPC request. The raw bytes
// are run through the SDK decoder so malformed envelopes are classified the
// same way a conforming server would: non-JSON bodies fail with ErrParse,
// JSON that is not a JSON-RPC request fails with ErrInvalidRequest.
func ParseCall(raw []byte) (*Call, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrParse)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidRequest)
	}

	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil, fmt.Errorf("%w: message is a response", ErrInvalidRequest)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}

	return &Call{
		Raw:    raw,
		ID:     env["id"],
		Method: req.Method,
		Params: req.Params,
	}, nil
}

// IsNotification reports whether the call carries no usable id and so must
// not receive a response body.
func (c *Call) IsNotification() bool {
	return len(c.ID) == 0 || string(c.ID) == "null"
}

// IsToolCall reports whether this is a tools/call request.
func (c *Call) IsToolCall() bool {
	return c.Method == "tools/call"
}

// ToolName returns params.name for tools/call requests, "" otherwise.
func (c *Call) ToolName() string {
	var params struct {
		Name string `json:"name"`
	}
	if len(c.Params) == 0 || json.Unmarshal(c.Params, &params) != nil {
		return ""
	}
	return params.Name
}

// ToolArguments returns the raw params.arguments of a tools/call request.
// The serialized size of this value drives the per-KB input surcharge.
func (c *Call) ToolArguments() json.RawMessage {
	var params struct {
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(c.Params) == 0 || json.Unmarshal(c.Params, &params) != nil {
		return nil
	}
	return params.Arguments
}

// ScrubbedParams returns the call params with credential material removed:
// params.apiKey and params._meta.apiKey, the two locations clients are known
// to stash keys in. The result is what may be forwarded to the backend. The
// original bytes are returned untouched when no credential is present.
func (c *Call) ScrubbedParams() json.RawMessage {
	if len(c.Params) == 0 {
		return c.Params
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return c.Params
	}

	dirty := false
	if _, ok := params["apiKey"]; ok {
		delete(params, "apiKey")
		dirty = true
	}
	if rawMeta, ok := params["_meta"]; ok {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(rawMeta, &meta); err == nil {
			if _, ok := meta["apiKey"]; ok {
				delete(meta, "apiKey")
				dirty = true
				if len(meta) == 0 {
					delete(params, "_meta")
				} else if cleaned, err := json.Marshal(meta); err == nil {
					params["_meta"] = cleaned
				}
			}
		}
	}
	if !dirty {
		return c.Params
	}

	cleaned, err := json.Marshal(params)
	if err != nil {
		return c.Params
	}
	return cleaned
}
