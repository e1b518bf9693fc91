package domain

import (
	"errors"
	"fmt"
)

// RouteStage names the router step a failure came from.
type RouteStage string

const (
	RouteStageLookup   RouteStage = "lookup"
	RouteStagePolicy   RouteStage = "policy"
	RouteStageValidate RouteStage = "validate"
	RouteStageDecode   RouteStage = "decode"
	RouteStageBackend  RouteStage = "backend"
)

// RouteError tags err with its stage. The code and retryability of the
// wrapped error are unchanged.
type RouteError struct {
	Stage RouteStage
	Err   error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

// NewRouteError wraps err once; an error already tagged keeps its first stage.
func NewRouteError(stage RouteStage, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.As(err, new(*RouteError)):
		return err
	default:
		return &RouteError{Stage: stage, Err: err}
	}
}

func RouteStageFrom(err error) (RouteStage, bool) {
	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		return routeErr.Stage, true
	}
	return "", false
}
