package api

import (
	"context"

	"github.com/polyflip/tradestate/internal/fanout"
)

func withAsset(ctx context.Context, a fanout.Asset) context.Context {
	return context.WithValue(ctx, assetKey{}, a)
}

func assetFrom(ctx context.Context) fanout.Asset {
	a, _ := ctx.Value(assetKey{}).(fanout.Asset)
	return a
}
