package rotator

import (
	"testing"
	"time"
)

func TestDeriveFingerprintDeterministic(t *testing.T) {
	a := DeriveFingerprint("test-credential-aaaa")
	b := DeriveFingerprint("test-credential-aaaa")

	if a.JitterMultiplier != b.JitterMultiplier {
		t.Errorf("jitter multiplier not stable: %v vs %v", a.JitterMultiplier, b.JitterMultiplier)
	}
	if a.TemperatureBias != b.TemperatureBias {
		t.Errorf("temperature bias not stable: %v vs %v", a.TemperatureBias, b.TemperatureBias)
	}
	if a.MinDelay != b.MinDelay {
		t.Errorf("min delay not stable: %v vs %v", a.MinDelay, b.MinDelay)
	}
	if len(a.PreferredModels) != len(b.PreferredModels) {
		t.Fatalf("preferred models not stable: %v vs %v", a.PreferredModels, b.PreferredModels)
	}
	for i := range a.PreferredModels {
		if a.PreferredModels[i] != b.PreferredModels[i] {
			t.Errorf("preferred models not stable at %d: %v vs %v", i, a.PreferredModels, b.PreferredModels)
		}
	}
}

func TestDeriveFingerprintDistinctCredentials(t *testing.T) {
	a := DeriveFingerprint("test-credential-bbbb")
	b := DeriveFingerprint("test-credential-cccc")

	if a.JitterMultiplier == b.JitterMultiplier {
		t.Errorf("distinct credentials produced identical jitter multiplier %v", a.JitterMultiplier)
	}
}

func TestDeriveFingerprintBounds(t *testing.T) {
	cases := []string{"key-one-1111", "key-two-2222", "key-three-3333", "key-four-4444"}
	for _, cred := range cases {
		fp := DeriveFingerprint(cred)
		if fp.JitterMultiplier < 0.7 || fp.JitterMultiplier > 1.3 {
			t.Errorf("%s: jitter multiplier %v outside [0.7,1.3]", cred, fp.JitterMultiplier)
		}
		if len(fp.PreferredModels) == 0 || len(fp.PreferredModels) > len(modelPool) {
			t.Errorf("%s: preferred models size %d invalid", cred, len(fp.PreferredModels))
		}
		if fp.MinDelay < 500*time.Millisecond || fp.MinDelay > 2*time.Second {
			t.Errorf("%s: min delay %v outside [0.5s,2s]", cred, fp.MinDelay)
		}
		if fp.HeaderModificationChance < 0.1 || fp.HeaderModificationChance > 0.4 {
			t.Errorf("%s: header modification chance %v outside [0.1,0.4]", cred, fp.HeaderModificationChance)
		}
		if fp.RetryPatience < 1 || fp.RetryPatience > 3 {
			t.Errorf("%s: retry patience %d outside [1,3]", cred, fp.RetryPatience)
		}
	}
}
