package fanout

import (
	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/model"
)

// ListenerFuncs adapts optional funcs to a Listener. Nil fields ignore
// their event.
type ListenerFuncs struct {
	Status     func(Asset, engine.Status)
	Trade      func(Asset, model.Trade)
	Config     func(Asset, engine.StrategyConfig)
	MarketData func(Asset, engine.MarketData)
}

func (f ListenerFuncs) OnStatus(a Asset, st engine.Status) {
	if f.Status != nil {
		f.Status(a, st)
	}
}

func (f ListenerFuncs) OnTrade(a Asset, t model.Trade) {
	if f.Trade != nil {
		f.Trade(a, t)
	}
}

func (f ListenerFuncs) OnConfig(a Asset, cfg engine.StrategyConfig) {
	if f.Config != nil {
		f.Config(a, cfg)
	}
}

func (f ListenerFuncs) OnMarketData(a Asset, md engine.MarketData) {
	if f.MarketData != nil {
		f.MarketData(a, md)
	}
}
