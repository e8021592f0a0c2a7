package logging

import (
	"context"

	"go.uber.org/zap"
)

type runCtxKey struct{}
type specCtxKey struct{}

// WithRunID attaches a pipeline run identifier to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run identifier, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSpecID attaches a spec identifier to the context.
func WithSpecID(ctx context.Context, specID string) context.Context {
	return context.WithValue(ctx, specCtxKey{}, specID)
}

// SpecIDFromContext extracts the spec identifier, or "" if absent.
func SpecIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(specCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if specID := SpecIDFromContext(ctx); specID != "" {
		fields = append(fields, zap.String("spec.id", specID))
	}
	return fields
}
