package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/resource"
)

type dataHandler struct {
	stores        *resource.Stores
	notConfigured *resource.ConfigurationError
	log           *zap.Logger
	maxBody       int64
}

// serveCatchAll handles /api/data/*. One or two segments name the resource
// in the first; three or more (a repeated /api/data prefix) in the third.
func (h *dataHandler) serveCatchAll(w http.ResponseWriter, r *http.Request) {
	var segs []string
	for _, s := range strings.Split(chi.URLParam(r, "*"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	name := ""
	switch {
	case len(segs) >= 3:
		name = segs[2]
	case len(segs) >= 1:
		name = segs[0]
	}
	h.dispatch(w, r, name)
}

// serveAlias handles /api/{resource}.
func (h *dataHandler) serveAlias(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, chi.URLParam(r, "resource"))
}

func (h *dataHandler) dispatch(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeErr(w, r, h.log, name, &resource.MethodError{Method: r.Method})
		return
	}
	known := false
	for _, n := range resource.Names {
		if n == name {
			known = true
		}
	}
	if !known {
		writeErr(w, r, h.log, name, &resource.NotFoundError{Resource: name})
		return
	}
	if h.stores == nil {
		writeErr(w, r, h.log, name, h.notConfigured)
		return
	}

	var err error
	switch name {
	case resource.EventStateName:
		err = h.eventState(w, r)
	case resource.StrategyConfigName:
		err = h.strategyConfig(w, r)
	case resource.TradesName:
		err = h.trades(w, r)
	case resource.PositionsName:
		err = h.positions(w, r)
	}
	if err != nil {
		writeErr(w, r, h.log, name, err)
	}
}

func (h *dataHandler) eventState(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		snap, err := h.stores.EventStates.Get(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, snap)
		return nil
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		return err
	}
	slug, upd := resource.DecodeEventUpdate(body)
	if err := h.stores.EventStates.Put(r.Context(), slug, upd); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, okBody)
	return nil
}

func (h *dataHandler) strategyConfig(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		if scope := strings.TrimSpace(r.URL.Query().Get("scope")); scope != "" {
			cfg, err := h.stores.StrategyConfigs.Get(r.Context(), scope)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = json.RawMessage("null")
			}
			writeJSON(w, http.StatusOK, map[string]json.RawMessage{"config": cfg})
			return nil
		}
		byScope, err := h.stores.StrategyConfigs.List(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"byScope": byScope})
		return nil
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		return err
	}
	scope := body.Get("scope")
	if scope.Type != gjson.String {
		return &resource.ValidationError{Field: "scope", Msg: "scope is required"}
	}
	var config json.RawMessage
	if c := body.Get("config"); c.Exists() {
		config = json.RawMessage(c.Raw)
	}
	if err := h.stores.StrategyConfigs.Put(r.Context(), scope.Str, config); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, okBody)
	return nil
}

func (h *dataHandler) trades(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		trades, err := h.stores.Trades.List(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
		return nil
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		return err
	}
	trade, err := resource.DecodeTrade(body.Get("trade"))
	if err != nil {
		return err
	}
	if err := h.stores.Trades.Put(r.Context(), bodyScope(body), trade); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, okBody)
	return nil
}

func (h *dataHandler) positions(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		positions, err := h.stores.Positions.List(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
		return nil
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		return err
	}
	positions := resource.DecodePositions(body.Get("positions"))
	if err := h.stores.Positions.Put(r.Context(), bodyScope(body), positions); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, okBody)
	return nil
}

// bodyScope is the body's scope when it is a string; the stores default
// anything else.
func bodyScope(body gjson.Result) string {
	if s := body.Get("scope"); s.Type == gjson.String {
		return s.Str
	}
	return ""
}
