// Package kit carries the small transport-agnostic plumbing shared by
// the HTTP and MCP surfaces: the Endpoint shape, context key helpers,
// and the MCP tool registration bridge.
package kit

import "context"

// Endpoint is one transport-agnostic operation: typed request in, typed
// response out. The HTTP router and the MCP bridge both dispatch to
// Endpoints so business logic is written once.
type Endpoint func(ctx context.Context, req any) (any, error)
