package domain

import "time"

// ResultKind labels the outcome of an invocation.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultError     ResultKind = "error"
	ResultCancelled ResultKind = "cancelled"
)

// ExecutionResult describes how an invocation ended.
type ExecutionResult struct {
	Kind      ResultKind `json:"kind"`
	Size      int        `json:"size,omitempty"`
	Type      string     `json:"type,omitempty"`
	ErrorKind ErrorCode  `json:"error_kind,omitempty"`
	Timeout   bool       `json:"timeout,omitempty"`
}

// ExecutionRecord is one recorded invocation.
type ExecutionRecord struct {
	ExecutionID   string            `json:"execution_id"`
	ToolName      string            `json:"tool_name"`
	StartTime     time.Time         `json:"start_time"`
	Duration      time.Duration     `json:"duration"`
	Result        ExecutionResult   `json:"result"`
	Source        CallSource        `json:"source"`
	ServiceSource string            `json:"service_source,omitempty"`
	Discovery     *DiscoveryContext `json:"discovery_context,omitempty"`
}

// ExecutionRecorder receives invocation records.
type ExecutionRecorder interface {
	Record(record ExecutionRecord)
}

// ResultFromError classifies err into an execution result.
func ResultFromError(err error) ExecutionResult {
	if err == nil {
		return ExecutionResult{Kind: ResultSuccess}
	}
	code, _ := CodeFrom(err)
	if code == CodeCancelled {
		return ExecutionResult{Kind: ResultCancelled, ErrorKind: code}
	}
	if code == "" {
		code = CodeInternal
	}
	return ExecutionResult{
		Kind:      ResultError,
		ErrorKind: code,
		Timeout:   code == CodeTimeout,
	}
}
