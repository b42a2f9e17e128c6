package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// NewResult builds a JSON-RPC success envelope carrying the given raw
// result under the given raw id.
func NewResult(id, result json.RawMessage) ([]byte, error) {
	return json.Marshal(Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	})
}

// NewError builds a JSON-RPC error envelope. It never fails: if the id
// cannot be serialized the envelope is emitted without one.
func NewError(id json.RawMessage, code int64, message string) []byte {
	raw, err := json.Marshal(Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
	if err != nil {
		raw, _ = json.Marshal(Response{
			JSONRPC: Version,
			Error:   &RPCError{Code: code, Message: message},
		})
	}
	return raw
}

// NewPaymentRequired builds the billing-denial envelope: code -32402 with
// the reason token appended to the payment-required prefix.
func NewPaymentRequired(id json.RawMessage, reason string) []byte {
	return NewError(id, CodePaymentRequired, PaymentRequiredPrefix+reason)
}
