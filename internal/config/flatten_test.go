package config

import (
	"reflect"
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	in := map[string]any{
		"log_level": "info",
		"llm": map[string]any{
			"provider": "openai",
			"model":    "gpt-4o-mini",
		},
		"matrix": map[string]any{
			"homeserver_url": "https://m.example.org",
		},
	}
	want := map[string]any{
		"log_level":             "info",
		"llm.provider":          "openai",
		"llm.model":             "gpt-4o-mini",
		"matrix.homeserver_url": "https://m.example.org",
	}
	if got := Flatten(in); !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten = %v, want %v", got, want)
	}
}

func TestUnflatten_Nested(t *testing.T) {
	in := map[string]any{
		"llm.provider":   "openai",
		"telegram.token": "tok",
		"log_level":      "debug",
	}
	got := Unflatten(in)
	llm, ok := got["llm"].(map[string]any)
	if !ok || llm["provider"] != "openai" {
		t.Errorf("llm subtree wrong: %v", got)
	}
	if got["log_level"] != "debug" {
		t.Errorf("top-level key wrong: %v", got)
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	in := map[string]any{
		"a": map[string]any{
			"b": map[string]any{"c": "deep"},
			"d": "shallow",
		},
		"e": "top",
	}
	if got := Unflatten(Flatten(in)); !reflect.DeepEqual(got, in) {
		t.Errorf("round trip changed map:\n got %v\nwant %v", got, in)
	}
}

func TestMaskSecrets(t *testing.T) {
	in := map[string]any{
		"llm.api_key":         "sk-secret-abcd",
		"telegram.token":      "tok",
		"matrix.access_token": "",
		"log_level":           "info",
	}
	got := MaskSecrets(in)
	if got["llm.api_key"] != "***abcd" {
		t.Errorf("long secret mask = %v", got["llm.api_key"])
	}
	if got["telegram.token"] != "***tok" {
		t.Errorf("short secret mask = %v", got["telegram.token"])
	}
	if got["matrix.access_token"] != "" {
		t.Errorf("empty secret must stay empty, got %v", got["matrix.access_token"])
	}
	if got["log_level"] != "info" {
		t.Errorf("non-secret changed: %v", got["log_level"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("matrix.access_token") {
		t.Error("matrix.access_token must be secret")
	}
	if IsSecretKey("log_level") {
		t.Error("log_level must not be secret")
	}
}
