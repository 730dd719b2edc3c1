// Package telemetry provides semantic conventions for trade store observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for trade-store telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the lifecycle channel (trade.created, trade.lifecycle).
	AttrEventType = attribute.Key("event.type")
	// AttrTradeID captures the business trade identifier on low-cardinality debug metrics only.
	AttrTradeID = attribute.Key("trade.id")
	// AttrAction labels transitions with the applied action (CREATE, UPDATE, EXPIRE, REJECT).
	AttrAction = attribute.Key("trade.action")
	// AttrStatus captures the resulting trade status (ACTIVE, EXPIRED, REJECTED).
	AttrStatus = attribute.Key("trade.status")
	// AttrOperation differentiates engine operations (submit, manual_expire, sweep).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ActionAttributes returns attributes for lifecycle transition metrics.
func ActionAttributes(environment, action, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAction.String(action),
	}
	if status != "" {
		attrs = append(attrs, AttrStatus.String(status))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
