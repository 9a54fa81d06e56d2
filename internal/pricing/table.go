package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var defaultPricesYAML []byte

// ErrUnknownModel is matched by every UnknownModelError.
var ErrUnknownModel = errors.New("unknown model")

// UnknownModelError is returned when (provider, model) has no price entry.
type UnknownModelError struct {
	Provider string
	Model    string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("pricing: unknown model %q for provider %q", e.Model, e.Provider)
}

func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }

// Prices are per-token prices in USD.
type Prices struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
}

// PerMillion builds Prices from per-million-token float rates, the unit
// operators write in config files.
func PerMillion(input, output, cacheRead, cacheWrite float64) Prices {
	return Prices{
		Input:      decimal.NewFromFloat(input).Shift(-6),
		Output:     decimal.NewFromFloat(output).Shift(-6),
		CacheRead:  decimal.NewFromFloat(cacheRead).Shift(-6),
		CacheWrite: decimal.NewFromFloat(cacheWrite).Shift(-6),
	}
}

// Table maps provider -> model -> Prices. A Table is immutable once built.
type Table struct {
	providers map[string]map[string]Prices
}

// NewTable copies entries into a new Table. Provider and model keys are
// matched case-insensitively.
func NewTable(entries map[string]map[string]Prices) *Table {
	t := &Table{providers: make(map[string]map[string]Prices, len(entries))}
	for provider, models := range entries {
		p := strings.ToLower(provider)
		if t.providers[p] == nil {
			t.providers[p] = make(map[string]Prices, len(models))
		}
		for model, prices := range models {
			t.providers[p][strings.ToLower(model)] = prices
		}
	}
	return t
}

type yamlPrices struct {
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	CacheRead  string `yaml:"cache_read"`
	CacheWrite string `yaml:"cache_write"`
}

// Default returns the built-in price list.
func Default() *Table {
	t, err := parseTable(defaultPricesYAML)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded price list: %v", err))
	}
	return t
}

func parseTable(data []byte) (*Table, error) {
	var raw map[string]map[string]yamlPrices
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse prices: %w", err)
	}
	entries := make(map[string]map[string]Prices, len(raw))
	for provider, models := range raw {
		entries[provider] = make(map[string]Prices, len(models))
		for model, yp := range models {
			p, err := yp.prices()
			if err != nil {
				return nil, fmt.Errorf("parse prices %s/%s: %w", provider, model, err)
			}
			entries[provider][model] = p
		}
	}
	return NewTable(entries), nil
}

func (yp yamlPrices) prices() (Prices, error) {
	var out Prices
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{yp.Input, &out.Input},
		{yp.Output, &out.Output},
		{yp.CacheRead, &out.CacheRead},
		{yp.CacheWrite, &out.CacheWrite},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Prices{}, err
		}
		*f.dst = d.Shift(-6)
	}
	return out, nil
}

// With returns a new Table with overrides layered on top of t.
func (t *Table) With(overrides map[string]map[string]Prices) *Table {
	merged := make(map[string]map[string]Prices, len(t.providers))
	for provider, models := range t.providers {
		merged[provider] = make(map[string]Prices, len(models))
		for model, p := range models {
			merged[provider][model] = p
		}
	}
	for provider, models := range overrides {
		p := strings.ToLower(provider)
		if merged[p] == nil {
			merged[p] = make(map[string]Prices, len(models))
		}
		for model, prices := range models {
			merged[p][strings.ToLower(model)] = prices
		}
	}
	return NewTable(merged)
}

// Lookup finds prices for a model: exact match first, then the longest
// known model name that prefixes it (dated snapshots such as
// claude-sonnet-4-5-20250929 resolve to claude-sonnet-4-5).
func (t *Table) Lookup(provider, model string) (Prices, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if provider == "" {
		provider = ProviderForModel(model)
	}

	models, ok := t.providers[provider]
	if !ok || model == "" {
		return Prices{}, &UnknownModelError{Provider: provider, Model: model}
	}
	if p, ok := models[model]; ok {
		return p, nil
	}
	var bestKey string
	var best Prices
	for key, p := range models {
		if strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
			best = p
		}
	}
	if bestKey == "" {
		return Prices{}, &UnknownModelError{Provider: provider, Model: model}
	}
	return best, nil
}

// ProviderForModel infers the provider from a model name. Returns "" when
// the family is not recognised.
func ProviderForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"), strings.Contains(m, "anthropic"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"), strings.HasPrefix(m, "chatgpt"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	}
	return ""
}
