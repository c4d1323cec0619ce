package memory

import "context"

type ctxKey struct{}

// NewContext returns a context carrying the session's memory manager. The
// session handler installs it before starting the pipeline so tool executors
// running inside a turn can reach the session's memory.
func NewContext(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the session memory manager installed by NewContext.
func FromContext(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(ctxKey{}).(*Manager)
	return m, ok
}
