package stealth

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshal normalized payload: %v", err)
	}
	return doc
}

func genConfig(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	cfg, ok := doc["generationConfig"].(map[string]any)
	if !ok {
		t.Fatalf("missing generationConfig: %v", doc)
	}
	return cfg
}

func TestNormalizeCollapsesPromptWhitespace(t *testing.T) {
	o := New(false, 0)
	in := []byte(`{"contents":[{"parts":[{"text":"  hello\n\n   world\t again  "}]}]}`)

	out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
	text := out["contents"].([]any)[0].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	if text != "hello world again" {
		t.Errorf("collapsed text = %q, want %q", text, "hello world again")
	}
}

func TestNormalizeInjectsDefaultGenerationConfig(t *testing.T) {
	o := New(false, 0)
	in := []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)

	out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
	cfg := genConfig(t, out)
	if topK, _ := cfg["topK"].(float64); topK != 40 {
		t.Errorf("default topK = %v, want 40", cfg["topK"])
	}
}

func TestNormalizeCapsMaxOutputTokens(t *testing.T) {
	o := New(false, 4096)

	in := []byte(`{"contents":[],"generationConfig":{"maxOutputTokens":999999}}`)
	out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
	if got, _ := genConfig(t, out)["maxOutputTokens"].(float64); got != 4096 {
		t.Errorf("capped maxOutputTokens = %v, want 4096", got)
	}

	// Values under the cap pass through unchanged.
	in = []byte(`{"contents":[],"generationConfig":{"maxOutputTokens":128}}`)
	out = decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
	if got, _ := genConfig(t, out)["maxOutputTokens"].(float64); got != 128 {
		t.Errorf("maxOutputTokens = %v, want 128", got)
	}
}

func TestNormalizeMalformedPayloadPassesThrough(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents": [unclosed`)

	out := o.Normalize(in, "/v1beta/models/gemini-pro:generateContent")
	if string(out) != string(in) {
		t.Errorf("malformed payload was modified: %q", out)
	}
}

func TestNormalizeSkipsNonGeneratePaths(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[{"parts":[{"text":"  spaced   out  "}]}]}`)

	out := o.Normalize(in, "/v1beta/models")
	if string(out) != string(in) {
		t.Errorf("non-generate payload was modified: %q", out)
	}
}

func TestNormalizeWithoutStealthKeepsSamplingParams(t *testing.T) {
	o := New(false, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":0.7,"topP":0.9}}`)

	out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
	cfg := genConfig(t, out)
	if got := cfg["temperature"].(float64); got != 0.7 {
		t.Errorf("temperature = %v, want exactly 0.7", got)
	}
	if got := cfg["topP"].(float64); got != 0.9 {
		t.Errorf("topP = %v, want exactly 0.9", got)
	}
}

func TestNormalizeStealthPerturbsWithinBounds(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":1.0,"topP":0.9}}`)

	for i := 0; i < 100; i++ {
		out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
		cfg := genConfig(t, out)
		temp := cfg["temperature"].(float64)
		if temp < 1.0*(1-temperatureSpread) || temp > 1.0*(1+temperatureSpread) {
			t.Fatalf("temperature %v drifted outside the perturbation window", temp)
		}
		topP := cfg["topP"].(float64)
		if topP < 0.9*(1-topPSpread) || topP > 0.9*(1+topPSpread) {
			t.Fatalf("topP %v drifted outside the perturbation window", topP)
		}
	}
}

func TestNormalizeStealthClampsTemperature(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":1.99}}`)

	for i := 0; i < 100; i++ {
		out := decode(t, o.Normalize(in, "/v1beta/models/gemini-pro:generateContent"))
		if temp := genConfig(t, out)["temperature"].(float64); temp > temperatureMax {
			t.Fatalf("temperature %v exceeded clamp %v", temp, temperatureMax)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	o := New(false, 4096)
	path := "/v1beta/models/gemini-pro:generateContent"
	cases := [][]byte{
		[]byte(`{"contents":[{"parts":[{"text":"  hello\n\n   world  "}]}]}`),
		[]byte(`{"contents":[],"generationConfig":{"temperature":0.7,"topP":0.9,"maxOutputTokens":999999}}`),
		[]byte(`{"contents":[{"parts":[{"text":"already clean"}]}],"generationConfig":{"topK":40}}`),
	}
	for _, in := range cases {
		once := o.Normalize(in, path)
		twice := o.Normalize(once, path)
		if string(twice) != string(once) {
			t.Errorf("second pass changed payload:\n first: %s\nsecond: %s", once, twice)
		}
	}
}

func TestApplyBiasShiftsSamplingParams(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":1.0,"topP":0.5}}`)

	out := decode(t, o.ApplyBias(in, "/v1beta/models/gemini-pro:generateContent", 0.03, -0.01))
	cfg := genConfig(t, out)
	if got, want := cfg["temperature"].(float64), 1.0+0.03; got != want {
		t.Errorf("temperature = %v, want %v", got, want)
	}
	if got, want := cfg["topP"].(float64), 0.5-0.01; got != want {
		t.Errorf("topP = %v, want %v", got, want)
	}
}

func TestApplyBiasIsDeterministicPerCredential(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":0.8,"topP":0.9}}`)
	path := "/v1beta/models/gemini-pro:generateContent"

	first := o.ApplyBias(in, path, 0.02, 0.005)
	second := o.ApplyBias(in, path, 0.02, 0.005)
	if string(first) != string(second) {
		t.Errorf("same bias produced different payloads:\n first: %s\nsecond: %s", first, second)
	}
}

func TestApplyBiasClampsShiftedParams(t *testing.T) {
	o := New(true, 4096)
	in := []byte(`{"contents":[],"generationConfig":{"temperature":1.98,"topP":0.985}}`)

	out := decode(t, o.ApplyBias(in, "/v1beta/models/gemini-pro:generateContent", 0.03, 0.01))
	cfg := genConfig(t, out)
	if got := cfg["temperature"].(float64); got != temperatureMax {
		t.Errorf("temperature = %v, want clamp %v", got, temperatureMax)
	}
	if got := cfg["topP"].(float64); got != topPMax {
		t.Errorf("topP = %v, want clamp %v", got, topPMax)
	}
}

func TestApplyBiasNoOpCases(t *testing.T) {
	path := "/v1beta/models/gemini-pro:generateContent"
	in := []byte(`{"contents":[],"generationConfig":{"temperature":1.0}}`)

	if out := New(false, 4096).ApplyBias(in, path, 0.03, 0.01); string(out) != string(in) {
		t.Error("bias applied with stealth disabled")
	}
	if out := New(true, 4096).ApplyBias(in, "/v1beta/models", 0.03, 0.01); string(out) != string(in) {
		t.Error("bias applied on non-generate path")
	}
	if out := New(true, 4096).ApplyBias(in, path, 0, 0); string(out) != string(in) {
		t.Error("zero bias rewrote payload")
	}
	malformed := []byte(`{"generationConfig": [unclosed`)
	if out := New(true, 4096).ApplyBias(malformed, path, 0.03, 0.01); string(out) != string(malformed) {
		t.Error("malformed payload was modified")
	}
}

func TestIsGeneratePath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/v1beta/models/gemini-pro:generateContent", true},
		{"/v1beta/models/gemini-pro:streamGenerateContent", true},
		{"/v1beta/models", false},
		{"/v1beta/models/gemini-pro:countTokens", false},
	}
	for _, c := range cases {
		if got := IsGeneratePath(c.path); got != c.want {
			t.Errorf("IsGeneratePath(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
