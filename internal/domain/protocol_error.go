package domain

import (
	"encoding/json"
	"fmt"
)

const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeServerMin      = -32099
	ErrCodeServerMax      = -32000
)

// ProtocolError captures JSON-RPC error details for propagation.
type ProtocolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// IsServerError reports whether the code sits in the implementation-defined server range.
func (e *ProtocolError) IsServerError() bool {
	if e == nil {
		return false
	}
	return e.Code >= ErrCodeServerMin && e.Code <= ErrCodeServerMax
}
