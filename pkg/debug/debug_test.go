package debug

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"totp", []string{"totp"}},
		{"storage,cron", []string{"storage", "cron"}},
		{" Storage , TOTP ", []string{"storage", "totp"}},
		{"all", []string{"all"}},
		{",,", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseCategories(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseCategories(%q) has %d entries, want %d", tt.input, len(got), len(tt.want))
			}
			for _, c := range tt.want {
				if _, ok := got[c]; !ok {
					t.Errorf("parseCategories(%q) missing %q", tt.input, c)
				}
			}
		})
	}
}

// withCategories enables list for the duration of the test.
func withCategories(t *testing.T, list string) {
	t.Helper()
	orig := active.Load()
	t.Cleanup(func() { active.Store(orig) })
	setCategories(list)
}

func TestEnabled(t *testing.T) {
	withCategories(t, "storage,totp")
	if !Enabled("storage") {
		t.Error("storage should be enabled")
	}
	if !Enabled("totp") {
		t.Error("totp should be enabled")
	}
	if Enabled("cron") {
		t.Error("cron should not be enabled")
	}
}

func TestEnabled_All(t *testing.T) {
	withCategories(t, "all")
	for _, c := range []string{"storage", "totp", "signingkeys", "cron", "transport", "config"} {
		if !Enabled(c) {
			t.Errorf("%s should be enabled with all", c)
		}
	}
}

func TestEnabled_Empty(t *testing.T) {
	withCategories(t, "")

	if Enabled("storage") {
		t.Error("nothing should be enabled when no categories set")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{" warn ", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", slog.LevelInfo)).Info("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", rec["msg"])
	}
	if rec["k"] != "v" {
		t.Errorf("k = %v, want v", rec["k"])
	}
}

func TestNewHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "text", slog.LevelWarn))
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record should be filtered at WARN: %q", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Errorf("output = %q, want msg=kept", out)
	}
}

func TestLog_DisabledCategory(t *testing.T) {
	origLogger := slog.Default()
	defer slog.SetDefault(origLogger)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(NewHandler(&buf, "text", LevelTrace)))
	withCategories(t, "storage")

	Log("totp", "hidden")
	Trace("totp", "hidden")
	Log("storage", "shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("disabled category produced output: %q", out)
	}
	if !strings.Contains(out, "debug=storage") {
		t.Errorf("output = %q, want debug=storage attribute", out)
	}
}

func TestCategoriesSorted(t *testing.T) {
	withCategories(t, "totp,cron,storage")
	got := Categories()
	want := []string{"cron", "storage", "totp"}
	if !slices.Equal(got, want) {
		t.Errorf("Categories() = %v, want %v", got, want)
	}
}

func TestInitEnvironmentWins(t *testing.T) {
	origLogger := slog.Default()
	defer slog.SetDefault(origLogger)
	withCategories(t, "")
	t.Setenv(envCategories, "cron")
	t.Setenv(envLevel, "")

	Init("storage", "debug", "text")
	if !Enabled("cron") || Enabled("storage") {
		t.Errorf("Categories() = %v, want [cron]", Categories())
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("config level should apply when the environment sets none")
	}
}
