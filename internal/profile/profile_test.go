package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse_EmptyInputsDisable(t *testing.T) {
	for _, raw := range []string{"", "   ", ",", " , ,"} {
		cfg := Parse(raw)
		require.Equal(t, Default(), cfg, "input %q", raw)
		require.False(t, cfg.Enabled)
	}
	require.Equal(t, Parse(""), ParsePtr(nil))
}

func TestParse_Toggles(t *testing.T) {
	tests := []struct {
		raw     string
		enabled bool
	}{
		{"on", true},
		{"ON", true},
		{"true", true},
		{"1", true},
		{"yes", true},
		{"off", false},
		{"False", false},
		{"0", false},
		{"disabled", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg := Parse(tt.raw)
			require.Equal(t, tt.enabled, cfg.Enabled)
			require.Equal(t, ModeOrdered, cfg.Mode)
			require.Equal(t, 1.0, cfg.Rate)
		})
	}
}

func TestParse_FalseToggleIgnoresOptions(t *testing.T) {
	cfg := Parse("off,mode=random,rate=0.5")
	require.Equal(t, Default(), cfg)
}

func TestParse_ModeRateLeadingToken(t *testing.T) {
	cfg := Parse("random:0.1,tracepy=on")
	require.True(t, cfg.Enabled)
	require.Equal(t, ModeRandom, cfg.Mode)
	require.Equal(t, 0.1, cfg.Rate)
	require.True(t, cfg.TracePy)
	require.False(t, cfg.Sync)
}

func TestParse_ModeWithoutRate(t *testing.T) {
	cfg := Parse("random")
	require.True(t, cfg.Enabled)
	require.Equal(t, ModeRandom, cfg.Mode)
	require.Equal(t, 1.0, cfg.Rate)
}

func TestParse_LeadingInvalidRateKeepsDefault(t *testing.T) {
	cfg := Parse("random:abc")
	require.Equal(t, ModeRandom, cfg.Mode)
	require.Equal(t, 1.0, cfg.Rate)

	cfg = Parse(":0.25")
	require.Equal(t, ModeOrdered, cfg.Mode, "empty mode keeps default")
	require.Equal(t, 0.25, cfg.Rate)
}

func TestParse_Exprs(t *testing.T) {
	require.Equal(t, "loss@step", Parse("on,exprs=loss@step").Exprs)
	require.Equal(t, "x@f", Parse("on,vars=x@f").Exprs)
	require.Equal(t, "y@g", Parse("on,watch=y@g").Exprs)
}

func TestParse_KeyValueOptions(t *testing.T) {
	cfg := Parse("on, Mode = random , RATE=0.75, sync=yes, tracepy=no")
	require.True(t, cfg.Enabled)
	require.Equal(t, ModeRandom, cfg.Mode)
	require.Equal(t, 0.75, cfg.Rate)
	require.True(t, cfg.Sync)
	require.False(t, cfg.TracePy)
}

func TestParse_EnabledKey(t *testing.T) {
	require.False(t, Parse("mode=random,enabled=off").Enabled)
	require.True(t, Parse("enabled=on").Enabled)
	require.True(t, Parse("enabled=maybe").Enabled, "unrecognized value leaves field unchanged")
}

func TestParse_IgnoresGarbage(t *testing.T) {
	cfg := Parse("on,bogus,unknown=1,rate=-3,rate=0,rate=NaN,rate=inf,rate=x")
	require.True(t, cfg.Enabled)
	require.Equal(t, ModeOrdered, cfg.Mode)
	require.Equal(t, 1.0, cfg.Rate)
}

func TestParse_LaterRateOverrides(t *testing.T) {
	cfg := Parse("ordered:0.5,rate=0.2")
	require.Equal(t, 0.2, cfg.Rate)
}

func TestConfig_StringRoundTrip(t *testing.T) {
	for _, raw := range []string{"", "on", "random:0.1,tracepy=on", "on,exprs=loss@step", "mode=x,enabled=off,sync=1"} {
		cfg := Parse(raw)
		require.Equal(t, cfg, Parse(cfg.String()), "input %q", raw)
	}
}

// TestProperty_RateAlwaysPositive checks that no input can yield a non-positive rate.
func TestProperty_RateAlwaysPositive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		cfg := Parse(raw)
		if cfg.Rate <= 0 {
			t.Fatalf("rate %v from %q", cfg.Rate, raw)
		}
	})
}

// TestProperty_GrammarShapedInputs drives the parser with inputs built from
// the grammar's own vocabulary, including malformed values.
func TestProperty_GrammarShapedInputs(t *testing.T) {
	keys := []string{"enabled", "mode", "rate", "tracepy", "sync", "exprs", "vars", "watch", "bogus"}
	values := []string{"on", "off", "random", "ordered", "0.5", "-1", "0", "abc", "x@f", ""}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		raw := rapid.SampledFrom([]string{"", "on", "off", "random:0.3", "ordered", "junk:"}).Draw(t, "lead")
		for i := 0; i < n; i++ {
			k := rapid.SampledFrom(keys).Draw(t, "key")
			v := rapid.SampledFrom(values).Draw(t, "value")
			raw += "," + k + "=" + v
		}

		cfg := Parse(raw)
		if cfg.Rate <= 0 {
			t.Fatalf("rate %v from %q", cfg.Rate, raw)
		}
		if again := Parse(cfg.String()); again != cfg {
			t.Fatalf("round trip of %q: %+v != %+v", raw, again, cfg)
		}
	})
}
