package stealth

import (
	"encoding/json"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"
)

const (
	defaultTopK = 40

	temperatureSpread = 0.03
	temperatureMin    = 0.01
	temperatureMax    = 1.99

	topPSpread = 0.01
	topPMin    = 0.01
	topPMax    = 0.99
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Optimizer canonicalizes outgoing payloads and, in stealth mode, perturbs
// sampling parameters so repeated identical prompts do not produce
// byte-identical bodies.
type Optimizer struct {
	stealth         bool
	maxOutputTokens int

	mu  sync.Mutex
	rng *rand.Rand
}

func New(stealth bool, maxOutputTokens int) *Optimizer {
	return &Optimizer{
		stealth:         stealth,
		maxOutputTokens: maxOutputTokens,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Stealth reports whether stealth mode is enabled.
func (o *Optimizer) Stealth() bool { return o.stealth }

// IsGeneratePath reports whether the path targets a generate-content style
// operation, including the streaming variant.
func IsGeneratePath(path string) bool {
	return strings.HasSuffix(path, ":generateContent") ||
		strings.HasSuffix(path, ":streamGenerateContent")
}

// Normalize canonicalizes a generate-content payload: collapses whitespace
// runs in prompt text, caps maxOutputTokens, and fills in a default
// generationConfig. Malformed payloads pass through unchanged; failure to
// normalize is never fatal to the request.
func (o *Optimizer) Normalize(payload []byte, path string) []byte {
	if !IsGeneratePath(path) || len(payload) == 0 {
		return payload
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		logs.Warn("payload not normalizable, forwarding as-is",
			"path", path,
			"err", err)
		return payload
	}

	collapsePromptText(doc)

	genCfg, ok := doc["generationConfig"].(map[string]any)
	if !ok {
		genCfg = map[string]any{"topK": float64(defaultTopK)}
		doc["generationConfig"] = genCfg
	}

	if o.maxOutputTokens > 0 {
		max := float64(o.maxOutputTokens)
		if v, ok := genCfg["maxOutputTokens"].(float64); !ok || v > max {
			genCfg["maxOutputTokens"] = max
		}
	}

	if o.stealth {
		o.perturb(genCfg)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		logs.Warn("failed to re-encode normalized payload", "path", path, "err", err)
		return payload
	}
	return out
}

// ApplyBias shifts the sampling parameters by a credential's fixed bias so
// each identity keeps a stable, slightly distinct sampling signature across
// requests. Runs after normalization and hashing, per upstream attempt, so
// the cache key never depends on which credential served the request.
// Stealth-mode only; malformed payloads pass through unchanged.
func (o *Optimizer) ApplyBias(payload []byte, path string, temperatureBias, topPBias float64) []byte {
	if !o.stealth || !IsGeneratePath(path) || len(payload) == 0 {
		return payload
	}
	if temperatureBias == 0 && topPBias == 0 {
		return payload
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	genCfg, ok := doc["generationConfig"].(map[string]any)
	if !ok {
		return payload
	}

	if t, ok := genCfg["temperature"].(float64); ok {
		genCfg["temperature"] = clamp(t+temperatureBias, temperatureMin, temperatureMax)
	}
	if p, ok := genCfg["topP"].(float64); ok {
		genCfg["topP"] = clamp(p+topPBias, topPMin, topPMax)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}

func collapsePromptText(doc map[string]any) {
	contents, ok := doc["contents"].([]any)
	if !ok {
		return
	}
	for _, c := range contents {
		content, ok := c.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := content["parts"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				part["text"] = whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
			}
		}
	}
}

// perturb nudges sampling parameters within bounds small enough that the
// upstream output distribution is unaffected for practical purposes.
func (o *Optimizer) perturb(genCfg map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := genCfg["temperature"].(float64); ok {
		t *= 1 + (o.rng.Float64()*2-1)*temperatureSpread
		genCfg["temperature"] = clamp(t, temperatureMin, temperatureMax)
	}
	if p, ok := genCfg["topP"].(float64); ok {
		p *= 1 + (o.rng.Float64()*2-1)*topPSpread
		genCfg["topP"] = clamp(p, topPMin, topPMax)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
