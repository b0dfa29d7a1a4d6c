//go:build !otel

package tracing

import "context"

// InitExporter is a no-op without the otel build tag; spans fall
// through to the default no-op provider.
func InitExporter(ctx context.Context, endpoint string) func(context.Context) error {
	return func(context.Context) error { return nil }
}
