package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDefaultLookupExactAndPrefix(t *testing.T) {
	tbl := Default()

	p, err := tbl.Lookup("anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.True(t, p.Input.Equal(dec("0.000003")), "input = %s", p.Input)
	assert.True(t, p.CacheWrite.Equal(dec("0.00000375")), "cache_write = %s", p.CacheWrite)

	dated, err := tbl.Lookup("anthropic", "claude-sonnet-4-5-20250929")
	require.NoError(t, err)
	assert.Equal(t, p, dated)

	mini, err := tbl.Lookup("openai", "gpt-4o-mini-2024-07-18")
	require.NoError(t, err)
	assert.True(t, mini.Input.Equal(dec("0.00000015")), "longest prefix should win, got %s", mini.Input)
}

func TestLookupInfersProvider(t *testing.T) {
	p, err := Default().Lookup("", "Claude-3-Haiku-20240307")
	require.NoError(t, err)
	assert.True(t, p.Output.Equal(dec("0.00000125")))
}

func TestLookupUnknownModel(t *testing.T) {
	tbl := Default()
	for _, tc := range []struct{ provider, model string }{
		{"anthropic", "claude-9000"},
		{"mistral", "mistral-large"},
		{"anthropic", ""},
	} {
		_, err := tbl.Lookup(tc.provider, tc.model)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownModel), "%s/%s", tc.provider, tc.model)

		var uerr *UnknownModelError
		require.True(t, errors.As(err, &uerr))
	}
}

func TestComputeFormula(t *testing.T) {
	p := Prices{
		Input:      dec("0.000003"),
		Output:     dec("0.000015"),
		CacheRead:  dec("0.0000003"),
		CacheWrite: dec("0.00000375"),
	}
	u := Usage{InputTokens: 1000, OutputTokens: 500, CacheReadTokens: 20000, CacheWriteTokens: 4000}

	// 0.003 + 0.0075 + 0.006 + 0.015
	got := Compute(p, u, DefaultPrecision)
	assert.True(t, got.Equal(dec("0.0315")), "got %s", got)
	assert.True(t, got.Equal(Compute(p, u, DefaultPrecision)), "recomputation must be identical")
}

func TestComputeRoundsHalfToEven(t *testing.T) {
	p := Prices{Input: dec("0.0000005")}

	assert.True(t, Compute(p, Usage{InputTokens: 1}, 6).Equal(dec("0")))
	assert.True(t, Compute(p, Usage{InputTokens: 3}, 6).Equal(dec("0.000002")))
	assert.True(t, Compute(p, Usage{InputTokens: 5}, 6).Equal(dec("0.000002")))
	assert.True(t, Compute(p, Usage{InputTokens: 7}, 6).Equal(dec("0.000004")))
}

func TestTableCost(t *testing.T) {
	got, err := Default().Cost("anthropic", "claude-3-5-haiku", Usage{InputTokens: 1_000_000}, 6)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("1")), "got %s", got)

	_, err = Default().Cost("anthropic", "nope", Usage{InputTokens: 1}, 6)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestWithOverrides(t *testing.T) {
	base := Default()
	tbl := base.With(map[string]map[string]Prices{
		"Anthropic": {"claude-sonnet-4-5": PerMillion(2, 10, 0.2, 2.5)},
		"mistral":   {"mistral-large": PerMillion(2, 6, 0, 0)},
	})

	p, err := tbl.Lookup("anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.True(t, p.Input.Equal(dec("0.000002")))

	_, err = tbl.Lookup("mistral", "mistral-large-2407")
	assert.NoError(t, err)

	orig, err := base.Lookup("anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.True(t, orig.Input.Equal(dec("0.000003")), "base table must be unchanged")
}

func TestReconcile(t *testing.T) {
	tol := dec("0.0001")

	_, off := Reconcile(dec("0.0315"), dec("0.03155"), tol)
	assert.False(t, off)

	d, off := Reconcile(dec("0.05"), dec("0.0315"), tol)
	require.True(t, off)
	assert.True(t, d.Delta.Equal(dec("0.0185")))
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, "anthropic", ProviderForModel("claude-opus-4-1"))
	assert.Equal(t, "openai", ProviderForModel("gpt-4o"))
	assert.Equal(t, "openai", ProviderForModel("o1-mini"))
	assert.Equal(t, "google", ProviderForModel("gemini-2.0-flash"))
	assert.Equal(t, "", ProviderForModel("llama-3"))
}
