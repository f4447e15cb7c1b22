// Package telemetry provides OpenTelemetry setup and semantic conventions for the copier.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for copier telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrMasterAccount identifies the master account whose stream produced the signal.
	AttrMasterAccount = attribute.Key("master.account")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with Buy/Sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrResult records the outcome of an operation (success, failure, skipped).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by replication error kind.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels session lifecycle signals (subscribed, failed, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOperation differentiates registry actions (start, stop, refresh).
	AttrOperation = attribute.Key("operation")
	// AttrCache names the cache a hit or miss belongs to.
	AttrCache = attribute.Key("cache")
)

// Result values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// DetectionAttributes returns attributes for master fill detections.
func DetectionAttributes(environment, master, symbol, side string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMasterAccount.String(master),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	return attrs
}

// ReplicationAttributes returns attributes for follower replication outcomes.
func ReplicationAttributes(environment, symbol, result, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType))
	}
	return attrs
}

// ConnectionAttributes returns attributes for session state metrics.
func ConnectionAttributes(environment, master, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMasterAccount.String(master),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// CacheAttributes returns attributes for cache hit/miss counters.
func CacheAttributes(environment, cache string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCache.String(cache),
	}
}
