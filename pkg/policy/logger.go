package policy

import "log/slog"

// WithRequest enriches a logger with correlation fields for one request.
// Policies use this so their log lines join the request's trail.
//
// Example:
//
//	func check(ctx context.Context, req *policy.Request, reply *policy.Reply) {
//	    log := policy.WithRequest(slog.Default(), req)
//	    log.DebugContext(ctx, "checking quota", "path", req.Path)
//	    reply.Grant()
//	}
func WithRequest(logger *slog.Logger, req *Request) *slog.Logger {
	return logger.With("requestId", req.ID, "route", req.Route)
}
