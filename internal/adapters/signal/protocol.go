package signal

import "encoding/json"

const jsonrpcVersion = "2.0"

// Transport-level error codes, outside the room error range.
const (
	codeParseError  = -32700
	codeRateLimited = -32000
)

// MethodPing is answered by the transport itself.
const MethodPing = "ping"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

func resultFrame(id json.RawMessage, result any) ([]byte, error) {
	return json.Marshal(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func errorFrame(id json.RawMessage, code int, message string) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return json.Marshal(response{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: message}})
}

func notificationFrame(method string, params map[string]any) ([]byte, error) {
	return json.Marshal(notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// requestID turns the JSON-RPC id into the correlation id used by the room
// layer. String ids lose their quotes.
func requestID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
