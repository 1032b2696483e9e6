package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across Looper.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID          = "job_id"
	FieldReportID       = "report_id"
	FieldOrganizationID = "organization_id"

	// Catalog entities
	FieldScanID    = "scan_id"
	FieldDeviceID  = "device_id"
	FieldStudioID  = "studio_id"
	FieldTitleID   = "title_id"
	FieldSpotID    = "spot_id"
	FieldRuleID    = "rule_id"
	FieldPlatform  = "platform"
	FieldTerritory = "territory"

	// Statistics
	FieldStatistic = "statistic"
	FieldScope     = "scope"
	FieldValue     = "value"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Operations
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus = "status"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	reportIDKey  contextKey = "logger_report_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithReportID adds a report ID to the context for logging
func WithReportID(ctx context.Context, reportID string) context.Context {
	return context.WithValue(ctx, reportIDKey, reportID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if reportID, ok := ctx.Value(reportIDKey).(string); ok && reportID != "" {
		fields = append(fields, FieldReportID, reportID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns a logger with fields extracted from context.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}
