// Package reqid carries a per-request correlation id through contexts.
package reqid

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// Header is the response header the id is echoed in.
const Header = "X-Request-ID"

type ctxKey struct{}

// New returns a fresh request id.
func New() string { return ulid.Make().String() }

// With returns a copy of ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the id stored in ctx, or "".
func From(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
