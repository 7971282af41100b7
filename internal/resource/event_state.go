package resource

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

// EventUpdate carries the fields a caller supplied. A nil field keeps the
// stored value.
type EventUpdate struct {
	PriceToBeat *decimal.Decimal
	LastPrice   *decimal.Decimal
}

// EventSnapshot is every event's known prices keyed by slug. Events with a
// null field are absent from that field's map.
type EventSnapshot struct {
	PriceToBeat map[string]decimal.Decimal `json:"priceToBeat"`
	LastPrice   map[string]decimal.Decimal `json:"lastPrice"`
}

// EventStates is the per-event price store with merge-on-write.
type EventStates struct {
	st  store.Store
	now func() time.Time
}

// Get returns the price maps across all events.
func (e *EventStates) Get(ctx context.Context) (EventSnapshot, error) {
	started := time.Now()
	rows, err := e.st.ListEventStates(ctx)
	if err != nil {
		return EventSnapshot{}, storeErr(EventStateName, "get", started, err)
	}
	snap := EventSnapshot{
		PriceToBeat: make(map[string]decimal.Decimal),
		LastPrice:   make(map[string]decimal.Decimal),
	}
	for _, r := range rows {
		if r.PriceToBeat != nil {
			snap.PriceToBeat[r.EventSlug] = *r.PriceToBeat
		}
		if r.LastPrice != nil {
			snap.LastPrice[r.EventSlug] = *r.LastPrice
		}
	}
	return snap, storeErr(EventStateName, "get", started, nil)
}

// Put merges upd into the stored row for slug and stamps updatedAt.
//
// The read and the upsert are separate operations: two concurrent writers
// touching different fields of the same event can lose one update.
func (e *EventStates) Put(ctx context.Context, slug string, upd EventUpdate) error {
	started := time.Now()
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return storeErr(EventStateName, "put", started, invalid("eventSlug", "eventSlug is required"))
	}

	existing, err := e.st.GetEventState(ctx, slug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr(EventStateName, "put", started, err)
	}

	row := &model.EventState{
		EventSlug:   slug,
		PriceToBeat: upd.PriceToBeat,
		LastPrice:   upd.LastPrice,
		UpdatedAt:   e.now(),
	}
	if existing != nil {
		if row.PriceToBeat == nil {
			row.PriceToBeat = existing.PriceToBeat
		}
		if row.LastPrice == nil {
			row.LastPrice = existing.LastPrice
		}
	}
	return storeErr(EventStateName, "put", started, e.st.UpsertEventState(ctx, row))
}
