// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrOutcome   = "outcome"
	attrDirection = "direction"
	attrSuccess   = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/run_abc123 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func operationAttr(operation string) attribute.KeyValue {
	return attribute.String(attrOperation, operation)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String(attrDirection, direction)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for prefix, placeholder := range map[string]string{
		"/v1/jobs/":       "/v1/jobs/{jobId}",
		"/v1/containers/": "/v1/containers/{name}",
	} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return placeholder
		}
	}
	return path
}
