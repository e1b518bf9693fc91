package domain

import (
	"fmt"
	"strings"
)

// Strategy selects who services a sampling or elicitation request raised upstream.
type Strategy string

const (
	StrategyMagictunnelHandled Strategy = "magictunnel_handled"
	StrategyClientForwarded    Strategy = "client_forwarded"
	StrategyMagictunnelFirst   Strategy = "magictunnel_first"
	StrategyClientFirst        Strategy = "client_first"
	StrategyParallel           Strategy = "parallel"
	StrategyHybrid             Strategy = "hybrid"
)

// ParseStrategy accepts snake_case and the PascalCase spelling of each strategy.
func ParseStrategy(value string) (Strategy, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "_", ""))
	switch normalized {
	case "magictunnelhandled":
		return StrategyMagictunnelHandled, nil
	case "clientforwarded":
		return StrategyClientForwarded, nil
	case "magictunnelfirst":
		return StrategyMagictunnelFirst, nil
	case "clientfirst":
		return StrategyClientFirst, nil
	case "parallel":
		return StrategyParallel, nil
	case "hybrid":
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", value)
	}
}

// Handler identifies which side services a request.
type Handler string

const (
	HandlerLocal  Handler = "local"
	HandlerClient Handler = "client"
)

// HybridRouting is the per-request-kind side chosen under StrategyHybrid.
type HybridRouting struct {
	Sampling    Handler
	Elicitation Handler
}

// DefaultHybridRouting services sampling locally and elicitation on the client.
func DefaultHybridRouting() HybridRouting {
	return HybridRouting{Sampling: HandlerLocal, Elicitation: HandlerClient}
}

// RequestKind distinguishes the two server-initiated request types.
type RequestKind string

const (
	RequestSampling    RequestKind = "sampling"
	RequestElicitation RequestKind = "elicitation"
)

// Plan returns the ordered handlers a strategy attempts. Parallel reports true when
// handlers race instead of running in sequence.
func (s Strategy) Plan(kind RequestKind, hybrid HybridRouting) (handlers []Handler, parallel bool) {
	switch s {
	case StrategyMagictunnelHandled:
		return []Handler{HandlerLocal}, false
	case StrategyClientForwarded:
		return []Handler{HandlerClient}, false
	case StrategyMagictunnelFirst:
		return []Handler{HandlerLocal, HandlerClient}, false
	case StrategyClientFirst:
		return []Handler{HandlerClient, HandlerLocal}, false
	case StrategyParallel:
		return []Handler{HandlerLocal, HandlerClient}, true
	case StrategyHybrid:
		side := hybrid.Sampling
		if kind == RequestElicitation {
			side = hybrid.Elicitation
		}
		if side == "" {
			side = HandlerLocal
		}
		return []Handler{side}, false
	default:
		return nil, false
	}
}

// RequiresLLMConfig reports whether the strategy may service requests locally.
func (s Strategy) RequiresLLMConfig(kind RequestKind, hybrid HybridRouting) bool {
	handlers, _ := s.Plan(kind, hybrid)
	for _, h := range handlers {
		if h == HandlerLocal {
			return true
		}
	}
	return false
}

// RequiresClientForwarding reports whether the strategy may forward to the client.
func (s Strategy) RequiresClientForwarding(kind RequestKind, hybrid HybridRouting) bool {
	handlers, _ := s.Plan(kind, hybrid)
	for _, h := range handlers {
		if h == HandlerClient {
			return true
		}
	}
	return false
}
