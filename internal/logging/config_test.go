package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("blank level should not parse")
	}
}

func TestEnvOverridesLevelAndFormat(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogTimestamp, "false")
	cfg := DefaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level = %v", cfg.Level)
	}
	if !cfg.JSON || cfg.Timestamp {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestApplyJSONWritesAppField(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, JSON: true, App: "relay-test", Output: &buf})
	log.Info().Str("item", "a.xml").Msg("delivered")
	log.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"app":"relay-test"`) || !strings.Contains(out, `"item":"a.xml"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
}
