package services

import (
	"context"

	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

// inTx runs fn in a database transaction when a pool is wired into the
// context. Without a pool the repositories execute standalone, which is how
// fakes run.
func inTx(ctx context.Context, fn func(context.Context) error) error {
	if _, err := composables.UsePool(ctx); err != nil {
		return fn(ctx)
	}
	return composables.InTx(ctx, fn)
}
