package domain

import "errors"

var ErrToolNotFound = errors.New("tool not found")
var ErrDuplicateTool = errors.New("duplicate tool")
var ErrToolDisabled = errors.New("tool disabled")
var ErrPermissionDenied = errors.New("permission denied")
var ErrInvalidToolName = errors.New("invalid tool name")
var ErrInvalidSchema = errors.New("invalid input schema")
var ErrInvalidArguments = errors.New("invalid arguments")
var ErrSessionNotReady = errors.New("session not ready")
var ErrSessionClosed = errors.New("session closed")
var ErrQueueFull = errors.New("session queue full")
var ErrConnectionClosed = errors.New("connection closed")
var ErrUnsupportedProtocol = errors.New("unsupported protocol version")
var ErrNoClientForwarder = errors.New("no client forwarding channel")
var ErrNoLocalProvider = errors.New("no local provider configured")
