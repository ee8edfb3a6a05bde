// Package observability provides metrics for the jobs service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrJobType    = "job_type"
	attrJobStatus  = "job_status"
	attrTargetType = "target_type"
	attrScope      = "scope"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func targetTypeAttr(targetType string) attribute.KeyValue {
	return attribute.String(attrTargetType, targetType)
}

func scopeAttr(scope string) attribute.KeyValue {
	return attribute.String(attrScope, scope)
}

// normalizePath replaces dynamic path segments with placeholders to keep
// metric cardinality bounded.
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		return "/v1/jobs/{jobId}"
	}
	if strings.HasPrefix(path, "/v1/targets/") {
		if strings.HasSuffix(path, "/jobs/latest") {
			return "/v1/targets/{type}/{id}/jobs/latest"
		}
		return "/v1/targets/{type}/{id}/jobs"
	}
	return path
}
