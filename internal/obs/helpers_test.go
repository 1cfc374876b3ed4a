package obs_test

import (
	"context"

	"github.com/rs/zerolog"
)

func zerologCtxEnabled(ctx context.Context) bool {
	l := zerolog.Ctx(ctx)
	return l != nil && l.GetLevel() != zerolog.Disabled
}
