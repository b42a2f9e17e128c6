package mcp

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeDecodeRequest(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	params := json.RawMessage(`{"name":"file_read","arguments":{"path":"/tmp/test.txt"}}`)
	req := &jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	}

	encoded, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	decodedReq, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}
	if decodedReq.Method != "tools/call" {
		t.Errorf("expected method 'tools/call', got %q", decodedReq.Method)
	}
}

func TestParseCall(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"search","arguments":{"q":"go"}}}`)
	call, err := ParseCall(raw)
	if err != nil {
		t.Fatalf("ParseCall failed: %v", err)
	}

	if got := string(call.ID); got != "42" {
		t.Errorf("ID = %q, want 42", got)
	}
	if call.Method != "tools/call" {
		t.Errorf("Method = %q, want tools/call", call.Method)
	}
	if !call.IsToolCall() {
		t.Error("IsToolCall() = false, want true")
	}
	if call.IsNotification() {
		t.Error("IsNotification() = true, want false")
	}
	if got := call.ToolName(); got != "search" {
		t.Errorf("ToolName() = %q, want search", got)
	}
	if got := string(call.ToolArguments()); got != `{"q":"go"}` {
		t.Errorf("ToolArguments() = %q", got)
	}
}

func TestParseCallStringID(t *testing.T) {
	t.Parallel()

	call, err := ParseCall([]byte(`{"jsonrpc":"2.0","id":"abc-1","method":"ping"}`))
	if err != nil {
		t.Fatalf("ParseCall failed: %v", err)
	}
	if got := string(call.ID); got != `"abc-1"` {
		t.Errorf("ID = %q, want quoted string preserved", got)
	}
}

func TestParseCallNotification(t *testing.T) {
	t.Parallel()

	call, err := ParseCall([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("ParseCall failed: %v", err)
	}
	if !call.IsNotification() {
		t.Error("IsNotification() = false, want true")
	}
	if call.IsToolCall() {
		t.Error("IsToolCall() = true, want false")
	}
}

func TestParseCallRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"jsonrpc":`, ErrParse},
		{"empty body", ``, ErrParse},
		{"json array", `[1,2,3]`, ErrInvalidRequest},
		{"json scalar", `"hello"`, ErrInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, ErrInvalidRequest},
		{"response envelope", `{"jsonrpc":"2.0","id":1,"result":{}}`, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCall([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseCall(%q) error = %v, want %v", tt.raw, err, tt.want)
			}
		})
	}
}

func TestToolHelpersOnNonToolCall(t *testing.T) {
	t.Parallel()

	call, err := ParseCall([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("ParseCall failed: %v", err)
	}
	if got := call.ToolName(); got != "" {
		t.Errorf("ToolName() = %q, want empty", got)
	}
	if got := call.ToolArguments(); got != nil {
		t.Errorf("ToolArguments() = %q, want nil", got)
	}
}

func TestScrubbedParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params string
		leak   string
	}{
		{
			name:   "top level apiKey",
			params: `{"name":"search","apiKey":"pg_secret123","arguments":{}}`,
			leak:   "pg_secret123",
		},
		{
			name:   "meta apiKey",
			params: `{"name":"search","_meta":{"apiKey":"pg_secret456","trace":"t1"}}`,
			leak:   "pg_secret456",
		},
		{
			name:   "meta with only apiKey",
			params: `{"name":"search","_meta":{"apiKey":"pg_secret789"}}`,
			leak:   "pg_secret789",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			call := &Call{Params: json.RawMessage(tt.params)}
			got := string(call.ScrubbedParams())
			if strings.Contains(got, tt.leak) {
				t.Errorf("scrubbed params still contain credential: %s", got)
			}
			if !strings.Contains(got, `"name":"search"`) {
				t.Errorf("scrubbing dropped legitimate fields: %s", got)
			}
		})
	}
}

func TestScrubbedParamsPreservesCleanInput(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"name":"search","arguments":{"q":"go"}}`)
	call := &Call{Params: raw}
	got := call.ScrubbedParams()
	if string(got) != string(raw) {
		t.Errorf("clean params were rewritten: %s", got)
	}
}

func TestScrubbedParamsKeepsOtherMeta(t *testing.T) {
	t.Parallel()

	call := &Call{Params: json.RawMessage(`{"_meta":{"apiKey":"pg_x","progressToken":"p1"}}`)}
	got := string(call.ScrubbedParams())
	if strings.Contains(got, "pg_x") {
		t.Errorf("credential survived scrub: %s", got)
	}
	if !strings.Contains(got, "progressToken") {
		t.Errorf("unrelated _meta field was dropped: %s", got)
	}
}

func TestNewResult(t *testing.T) {
	t.Parallel()

	raw, err := NewResult(json.RawMessage("7"), json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("NewResult failed: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.JSONRPC != Version {
		t.Errorf("jsonrpc = %q, want %q", resp.JSONRPC, Version)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %q, want 7", resp.ID)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("result = %q", resp.Result)
	}
	if resp.Error != nil {
		t.Errorf("error = %v, want nil", resp.Error)
	}
}

func TestNewErrorAndPaymentRequired(t *testing.T) {
	t.Parallel()

	raw := NewError(json.RawMessage(`"r1"`), CodeInternalError, "Internal error")
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInternalError)
	}

	raw = NewPaymentRequired(json.RawMessage("3"), "insufficient_credits")
	resp = Response{}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodePaymentRequired {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodePaymentRequired)
	}
	if want := PaymentRequiredPrefix + "insufficient_credits"; resp.Error.Message != want {
		t.Errorf("message = %q, want %q", resp.Error.Message, want)
	}
}

func TestRPCErrorImplementsError(t *testing.T) {
	t.Parallel()

	var err error = &RPCError{Code: -32601, Message: "method not found"}
	if !strings.Contains(err.Error(), "-32601") {
		t.Errorf("Error() = %q, want code included", err.Error())
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Error("errors.As failed to match *RPCError")
	}
}
