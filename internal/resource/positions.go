package resource

import (
	"context"
	"time"

	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

// PositionSet holds the open positions of each scope. A write replaces the
// scope's whole set.
type PositionSet struct {
	st store.Store
}

// List returns the positions of scope in no particular order.
func (p *PositionSet) List(ctx context.Context, scope string) ([]model.Position, error) {
	started := time.Now()
	positions, err := p.st.ListPositions(ctx, NormalizeScope(scope))
	if err != nil {
		return nil, storeErr(PositionsName, "get", started, err)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, storeErr(PositionsName, "get", started, nil)
}

// Put makes positions the entire set for scope. Entries without an id are
// dropped; a repeated id keeps its last occurrence. An empty set clears
// the scope.
//
// Delete and insert are two operations. A reader between them sees an empty
// set, and a failed insert leaves the scope empty.
func (p *PositionSet) Put(ctx context.Context, scope string, positions []model.Position) error {
	started := time.Now()
	scope = NormalizeScope(scope)
	rows := dedupePositions(positions)

	if err := p.st.DeletePositions(ctx, scope); err != nil {
		return storeErr(PositionsName, "put", started, err)
	}
	if len(rows) == 0 {
		return storeErr(PositionsName, "put", started, nil)
	}
	return storeErr(PositionsName, "put", started, p.st.InsertPositions(ctx, scope, rows))
}

func dedupePositions(in []model.Position) []model.Position {
	index := make(map[string]int, len(in))
	out := make([]model.Position, 0, len(in))
	for _, pos := range in {
		if pos.ID == "" {
			continue
		}
		pos.Side = model.ParseSide(string(pos.Side))
		pos.Direction = model.ParseDirection(string(pos.Direction))
		if i, ok := index[pos.ID]; ok {
			out[i] = pos
			continue
		}
		index[pos.ID] = len(out)
		out = append(out, pos)
	}
	return out
}
