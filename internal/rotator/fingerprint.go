package rotator

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

// modelPool is the fixed set of upstream models a credential may prefer.
var modelPool = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Fingerprint is an immutable per-credential behavioral profile. Two
// derivations for the same credential always produce identical values
// within a process run.
type Fingerprint struct {
	JitterMultiplier         float64
	PreferredModels          []string
	TemperatureBias          float64
	TopPBias                 float64
	HeaderModificationChance float64
	MinDelay                 time.Duration
	RetryPatience            int
}

var (
	fingerprintMu    sync.Mutex
	fingerprintCache = map[string]Fingerprint{}
)

// DeriveFingerprint derives the behavioral profile for a credential from a
// stable hash of the secret. The generator is locally scoped so concurrent
// derivations never observe each other's random state.
func DeriveFingerprint(credential string) Fingerprint {
	fingerprintMu.Lock()
	defer fingerprintMu.Unlock()

	if fp, ok := fingerprintCache[credential]; ok {
		return fp
	}

	h := fnv.New64a()
	h.Write([]byte(credential))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	fp := Fingerprint{
		JitterMultiplier:         0.7 + rng.Float64()*0.6,
		PreferredModels:          pickModels(rng),
		TemperatureBias:          (rng.Float64() - 0.5) * 0.06,
		TopPBias:                 (rng.Float64() - 0.5) * 0.02,
		HeaderModificationChance: 0.1 + rng.Float64()*0.3,
		MinDelay:                 time.Duration((0.5 + rng.Float64()*1.5) * float64(time.Second)),
		RetryPatience:            1 + rng.Intn(3),
	}
	fingerprintCache[credential] = fp
	return fp
}

func pickModels(rng *rand.Rand) []string {
	idx := rng.Perm(len(modelPool))
	count := 1 + rng.Intn(len(modelPool))
	models := make([]string, 0, count)
	for _, i := range idx[:count] {
		models = append(models, modelPool[i])
	}
	return models
}
