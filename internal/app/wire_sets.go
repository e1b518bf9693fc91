//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"
)

var ObservabilitySet = wire.NewSet(
	NewMetricsRegistry,
	NewPrometheusMetrics,
	NewHealthTracker,
	NewAuditSink,
	NewHealthServer,
)

var CapabilitySet = wire.NewSet(
	NewCapabilityStore,
	NewAggregator,
	NewUpstreamManager,
	NewRegistry,
)

var AccessSet = wire.NewSet(
	NewPolicy,
	NewPermissionCache,
	NewView,
)

var RoutingSet = wire.NewSet(
	NewValidator,
	NewRouter,
	NewMetricsCollector,
	NewForwarder,
	NewDispatcher,
)

var DiscoverySet = wire.NewSet(
	NewEmbeddingIndex,
	NewDiscoveryEngine,
)

var AppSet = wire.NewSet(
	ObservabilitySet,
	CapabilitySet,
	AccessSet,
	RoutingSet,
	DiscoverySet,
	NewBidirectionalCore,
	NewGateway,
	NewApplication,
)
