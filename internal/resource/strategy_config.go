package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

// strategyConfigSchema types the known strategy keys and allows anything
// else, so engines can add settings without a server release.
const strategyConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "not": {"type": "null"},
  "properties": {
    "enabled": {"type": "boolean"},
    "entryPrice": {"type": "number"},
    "profitTargetPrice": {"type": "number"},
    "stopLossPrice": {"type": "number"},
    "tradeSize": {"type": "number"},
    "priceDifference": {"type": ["number", "null"]},
    "flipGuardPendingDistanceUsd": {"type": "number"},
    "flipGuardFilledDistanceUsd": {"type": "number"},
    "entryTimeRemainingMaxSeconds": {"type": "number"}
  }
}`

const strategyConfigSchemaURL = "strategy-config.json"

var configSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(strategyConfigSchemaURL, strings.NewReader(strategyConfigSchema)); err != nil {
		panic(fmt.Sprintf("resource: load config schema: %v", err))
	}
	return c.MustCompile(strategyConfigSchemaURL)
}

// StrategyConfigs stores one opaque config document per scope.
type StrategyConfigs struct {
	st  store.Store
	now func() time.Time
}

// Get returns the config for scope, or nil when none was stored.
func (s *StrategyConfigs) Get(ctx context.Context, scope string) (json.RawMessage, error) {
	started := time.Now()
	cfg, err := s.st.GetStrategyConfig(ctx, strings.TrimSpace(scope))
	if errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(StrategyConfigName, "get", started, nil)
	}
	if err != nil {
		return nil, storeErr(StrategyConfigName, "get", started, err)
	}
	return cfg.Config, storeErr(StrategyConfigName, "get", started, nil)
}

// List returns every stored config keyed by scope.
func (s *StrategyConfigs) List(ctx context.Context) (map[string]json.RawMessage, error) {
	started := time.Now()
	rows, err := s.st.ListStrategyConfigs(ctx)
	if err != nil {
		return nil, storeErr(StrategyConfigName, "list", started, err)
	}
	byScope := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		byScope[r.Scope] = r.Config
	}
	return byScope, storeErr(StrategyConfigName, "list", started, nil)
}

// Put replaces the config for scope wholesale.
func (s *StrategyConfigs) Put(ctx context.Context, scope string, config json.RawMessage) error {
	started := time.Now()
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return storeErr(StrategyConfigName, "put", started, invalid("scope", "scope is required"))
	}
	if err := ValidateConfig(config); err != nil {
		return storeErr(StrategyConfigName, "put", started, err)
	}
	return storeErr(StrategyConfigName, "put", started, s.st.UpsertStrategyConfig(ctx, &model.StrategyConfig{
		Scope:     scope,
		Config:    config,
		UpdatedAt: s.now(),
	}))
}

// ValidateConfig rejects an absent or null document and known keys carrying
// the wrong JSON type.
func ValidateConfig(config json.RawMessage) error {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return invalid("config", "config is required")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return invalid("config", "config is not valid JSON")
	}
	if err := configSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return invalid("config", "config "+leafMessage(verr))
		}
		return invalid("config", "config: "+err.Error())
	}
	return nil
}

// leafMessage reports the most specific schema failure, e.g.
// "/entryPrice: expected number, but got string".
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + verr.Message
}
