// Package profile parses the single-string profiling configuration.
//
// Grammar:
//
//	spec    := toggle? ("," option)*
//	toggle  := on | off | true | false | 1 | 0
//	option  := key "=" value | mode [":" rate]
//	key     := enabled | mode | rate | tracepy | sync | exprs | vars | watch
//
// Parsing never fails. Malformed fragments are dropped one at a time and the
// remaining fields keep their defaults.
package profile

import (
	"math"
	"strconv"
	"strings"
)

// Sampling modes.
const (
	ModeOrdered = "ordered"
	ModeRandom  = "random"
)

var trueValues = map[string]bool{
	"1": true, "true": true, "yes": true, "on": true, "enable": true, "enabled": true,
}

var falseValues = map[string]bool{
	"0": true, "false": true, "no": true, "off": true, "disable": true, "disabled": true,
}

// Config is the parsed profiling configuration.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Mode    string  `yaml:"mode"`
	Rate    float64 `yaml:"rate"`
	TracePy bool    `yaml:"tracepy"`
	Sync    bool    `yaml:"sync"`
	Exprs   string  `yaml:"exprs"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Enabled: false,
		Mode:    ModeOrdered,
		Rate:    1.0,
	}
}

// IsTrue reports whether s is one of the accepted truthy words.
func IsTrue(s string) bool {
	return trueValues[strings.ToLower(strings.TrimSpace(s))]
}

// IsFalse reports whether s is one of the accepted falsy words.
func IsFalse(s string) bool {
	return falseValues[strings.ToLower(strings.TrimSpace(s))]
}

// ParsePtr parses an optional spec. A nil spec is treated like "".
func ParsePtr(raw *string) Config {
	if raw == nil {
		return Default()
	}
	return Parse(*raw)
}

// Parse converts a spec string into a Config.
func Parse(raw string) Config {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return Default()
	}

	var tokens []string
	for _, item := range strings.Split(spec, ",") {
		if item = strings.TrimSpace(item); item != "" {
			tokens = append(tokens, item)
		}
	}
	if len(tokens) == 0 {
		return Default()
	}

	cfg := Default()
	cfg.Enabled = true

	first := tokens[0]
	if !strings.Contains(first, "=") {
		switch {
		case IsFalse(first):
			return Default()
		case IsTrue(first):
		default:
			cfg.applyModeRate(first)
		}
		tokens = tokens[1:]
	}

	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		cfg.applyOption(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
	}

	return cfg
}

// applyModeRate handles a leading "mode[:rate]" token.
func (c *Config) applyModeRate(token string) {
	mode, rate, hasRate := strings.Cut(token, ":")
	if !hasRate {
		c.Mode = token
		return
	}
	if mode != "" {
		c.Mode = mode
	}
	if r, ok := parseRate(rate); ok {
		c.Rate = r
	}
}

func (c *Config) applyOption(key, value string) {
	switch key {
	case "enabled":
		if IsTrue(value) {
			c.Enabled = true
		} else if IsFalse(value) {
			c.Enabled = false
		}
	case "mode":
		c.Mode = value
	case "rate":
		if r, ok := parseRate(value); ok {
			c.Rate = r
		}
	case "tracepy":
		c.TracePy = IsTrue(value)
	case "sync":
		c.Sync = IsTrue(value)
	case "exprs", "vars", "watch":
		c.Exprs = value
	}
}

// parseRate accepts only finite positive floats.
func parseRate(s string) (float64, bool) {
	r, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0, false
	}
	return r, true
}

// String renders the config as a spec string. For any config produced by
// Parse, Parse(c.String()) == c.
func (c Config) String() string {
	enabled := "off"
	if c.Enabled {
		enabled = "on"
	}
	parts := []string{
		"enabled=" + enabled,
		"mode=" + c.Mode,
		"rate=" + strconv.FormatFloat(c.Rate, 'g', -1, 64),
	}
	if c.TracePy {
		parts = append(parts, "tracepy=on")
	}
	if c.Sync {
		parts = append(parts, "sync=on")
	}
	if c.Exprs != "" {
		parts = append(parts, "exprs="+c.Exprs)
	}
	return strings.Join(parts, ",")
}
