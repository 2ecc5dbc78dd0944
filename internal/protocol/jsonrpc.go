package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// IsJSONRPCResponse reports whether a child output line parses as a
// JSON-RPC 2.0 response: an object with jsonrpc "2.0", an id, and a
// result or error member. Best-effort; never panics on garbage.
func IsJSONRPCResponse(line []byte) bool {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	if probe.JSONRPC != "2.0" || len(probe.ID) == 0 {
		return false
	}
	return len(probe.Result) > 0 || len(probe.Error) > 0
}

// NormalizeCommand accepts a JSON-RPC 2.0 request as a JSON object or as
// a string containing one, and returns its compact single-line form,
// ready to write to a child's stdin.
func NormalizeCommand(raw json.RawMessage) ([]byte, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errors.New("empty command")
	}

	// String form: unwrap first.
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode command string: %w", err)
		}
		data = bytes.TrimSpace([]byte(s))
		if len(data) == 0 {
			return nil, errors.New("empty command")
		}
	}

	var probe struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if probe.JSONRPC != "2.0" {
		return nil, errors.New("command must be a JSON-RPC 2.0 request")
	}
	if probe.Method == "" {
		return nil, errors.New("command missing method")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("compact command: %w", err)
	}
	return buf.Bytes(), nil
}
