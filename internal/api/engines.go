package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/resource"
)

const enginesResource = "engines"

type engineHandler struct {
	fan     *fanout.Manager
	log     *zap.Logger
	maxBody int64
}

func (h *engineHandler) routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/stop-all", h.stopAll)
	r.Post("/credentials", h.credentials)

	r.Route("/{asset}", func(r chi.Router) {
		r.Use(h.requireAsset)
		r.Get("/", h.get)
		r.Post("/start", h.start)
		r.Post("/stop", h.stop)
		r.Post("/config", h.updateConfig)
		r.Post("/market", h.market)
		r.Post("/trades", h.recordTrade)
		r.Post("/positions", h.replacePositions)
	})
}

type assetKey struct{}

func (h *engineHandler) requireAsset(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "asset")
		asset, ok := fanout.ParseAsset(raw)
		if !ok {
			writeStatus(w, r, h.log, enginesResource, http.StatusNotFound, fmt.Errorf("unknown asset %q", raw))
			return
		}
		next.ServeHTTP(w, r.WithContext(withAsset(r.Context(), asset)))
	})
}

func (h *engineHandler) list(w http.ResponseWriter, r *http.Request) {
	out := make(map[fanout.Asset]engine.Status)
	for _, a := range h.fan.Assets() {
		out[a] = h.fan.Status(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": h.fan.Assets(), "status": out})
}

func (h *engineHandler) get(w http.ResponseWriter, r *http.Request) {
	a := assetFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     a,
		"status":    h.fan.Status(a),
		"config":    h.fan.StrategyConfig(a),
		"positions": h.fan.Positions(a),
		"trades":    h.fan.Trades(a),
		"market":    h.fan.Market(a),
	})
}

func (h *engineHandler) start(w http.ResponseWriter, r *http.Request) {
	a := assetFrom(r.Context())
	if err := h.fan.StartTrading(r.Context(), a); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrMissingCredentials) {
			status = http.StatusConflict
		}
		writeStatus(w, r, h.log, enginesResource, status, err)
		return
	}
	h.log.Info("trading started", zap.String("asset", string(a)))
	writeJSON(w, http.StatusOK, map[string]any{"status": h.fan.Status(a)})
}

func (h *engineHandler) stop(w http.ResponseWriter, r *http.Request) {
	a := assetFrom(r.Context())
	h.fan.StopTrading(a)
	h.log.Info("trading stopped", zap.String("asset", string(a)))
	writeJSON(w, http.StatusOK, map[string]any{"status": h.fan.Status(a)})
}

func (h *engineHandler) stopAll(w http.ResponseWriter, r *http.Request) {
	h.fan.StopAllTrading()
	h.log.Info("trading stopped on all assets")
	writeJSON(w, http.StatusOK, okBody)
}

func (h *engineHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, err)
		return
	}
	if !body.IsObject() {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "config", Msg: "config must be an object"})
		return
	}
	var partial map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(body.Raw)))
	dec.UseNumber()
	if err := dec.Decode(&partial); err != nil {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "config", Msg: err.Error()})
		return
	}
	cfg, err := h.fan.UpdateStrategyConfig(assetFrom(r.Context()), partial)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "config", Msg: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

type marketBody struct {
	CurrentPrice *decimal.Decimal    `json:"currentPrice"`
	PriceToBeat  *decimal.Decimal    `json:"priceToBeat"`
	ActiveEvent  *engine.ActiveEvent `json:"activeEvent"`
}

func (h *engineHandler) market(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, err)
		return
	}
	var in marketBody
	if err := json.Unmarshal([]byte(body.Raw), &in); err != nil {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "market", Msg: err.Error()})
		return
	}
	a := assetFrom(r.Context())
	h.fan.UpdateMarketData(a, in.CurrentPrice, in.PriceToBeat, in.ActiveEvent)
	writeJSON(w, http.StatusOK, map[string]any{"market": h.fan.Market(a)})
}

func (h *engineHandler) recordTrade(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, err)
		return
	}
	var t model.Trade
	if err := json.Unmarshal([]byte(body.Raw), &t); err != nil {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "trade", Msg: err.Error()})
		return
	}
	recorded, _ := h.fan.RecordTrade(assetFrom(r.Context()), t)
	writeJSON(w, http.StatusOK, map[string]any{"trade": recorded})
}

func (h *engineHandler) replacePositions(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, err)
		return
	}
	h.fan.ReplacePositions(assetFrom(r.Context()), resource.DecodePositions(body.Get("positions")))
	writeJSON(w, http.StatusOK, okBody)
}

type credentialsBody struct {
	Asset string `json:"asset"`
	engine.Credentials
}

func (h *engineHandler) credentials(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeErr(w, r, h.log, enginesResource, err)
		return
	}
	var in credentialsBody
	if err := json.Unmarshal([]byte(body.Raw), &in); err != nil {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "credentials", Msg: err.Error()})
		return
	}
	if !in.Complete() {
		writeErr(w, r, h.log, enginesResource, &resource.ValidationError{Field: "credentials", Msg: "key, secret and passphrase are required"})
		return
	}
	var asset fanout.Asset
	if in.Asset != "" {
		var ok bool
		if asset, ok = fanout.ParseAsset(in.Asset); !ok {
			writeStatus(w, r, h.log, enginesResource, http.StatusNotFound, fmt.Errorf("unknown asset %q", in.Asset))
			return
		}
	}
	h.fan.SetAPICredentials(asset, in.Credentials)
	h.log.Info("credentials set", zap.String("asset", string(asset)))
	writeJSON(w, http.StatusOK, okBody)
}
