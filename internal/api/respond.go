package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/resource"
)

type errorBody struct {
	Error string `json:"error"`
}

var okBody = map[string]bool{"ok": true}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr logs err against the resource it came from and writes the
// {error} body with the status the error maps to.
func writeErr(w http.ResponseWriter, r *http.Request, log *zap.Logger, res string, err error) {
	status := resource.HTTPStatus(err)
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		status = http.StatusRequestEntityTooLarge
	}
	writeStatus(w, r, log, res, status, err)
}

func writeStatus(w http.ResponseWriter, r *http.Request, log *zap.Logger, res string, status int, err error) {
	fields := []zap.Field{
		zap.String("resource", res),
		zap.String("method", r.Method),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Warn("request rejected", fields...)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// readBody reads a JSON body of at most limit bytes. An empty body reads
// as an empty object.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (gjson.Result, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return gjson.Result{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return gjson.Parse("{}"), nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &resource.ValidationError{Field: "body", Msg: "Invalid JSON body"}
	}
	return gjson.ParseBytes(data), nil
}
