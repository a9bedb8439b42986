package gateway

import "context"

// requestMeta accumulates the fields a durable request log row needs as a
// request flows through a handler: the handler fills in kind/model up
// front, acquireWithPickerAndCall fills in pool/token once a session token
// is chosen, and requestLogger reads the finished struct back out once the
// response is written.
type requestMeta struct {
	Pool  string
	Token string
	Model string
	Kind  string
}

type requestMetaKey struct{}

// withRequestMeta attaches a fresh, mutable requestMeta to ctx and returns
// both so callers can fill it in as the request progresses.
func withRequestMeta(ctx context.Context) (context.Context, *requestMeta) {
	m := &requestMeta{}
	return context.WithValue(ctx, requestMetaKey{}, m), m
}

func requestMetaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(requestMetaKey{}).(*requestMeta)
	return m
}
