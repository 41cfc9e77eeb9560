// Package telemetry provides semantic conventions for fleetbus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for fleetbus-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventType = attribute.Key("event.type")
	AttrSource    = attribute.Key("event.source")
	AttrPriority  = attribute.Key("event.priority")

	// Subscription and delivery attributes
	AttrChannel = attribute.Key("channel")
	AttrRole    = attribute.Key("role")
	AttrTopic   = attribute.Key("queue.topic")

	// Outcome attributes
	AttrResult    = attribute.Key("result")
	AttrErrorType = attribute.Key("error.type")
	AttrAttempt   = attribute.Key("attempt")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Channel values
const (
	ChannelDuplex = "duplex"
	ChannelStream = "stream"
	ChannelRelay  = "relay"
)

// EventAttributes builds the shared attribute set for event-scoped metrics.
func EventAttributes(environment, eventType, source string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if environment != "" {
		attrs = append(attrs, AttrEnvironment.String(environment))
	}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	if source != "" {
		attrs = append(attrs, AttrSource.String(source))
	}
	return attrs
}

// OperationResultAttributes builds the attribute set for operation outcome metrics.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if environment != "" {
		attrs = append(attrs, AttrEnvironment.String(environment))
	}
	if operation != "" {
		attrs = append(attrs, attribute.String("operation", operation))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}
