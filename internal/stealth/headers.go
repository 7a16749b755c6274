package stealth

import (
	"fmt"
	"net/http"
)

// browserSignature is one coherent transport identity bundle. Mixing
// headers across bundles is a detection signal, so a bundle is always
// applied whole.
type browserSignature struct {
	userAgent string
	secChUA   string
	platform  string
}

var browserSignatures = []browserSignature{
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		secChUA:   `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		platform:  `"Windows"`,
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		secChUA:   `"Chromium";v="125", "Google Chrome";v="125", "Not.A/Brand";v="24"`,
		platform:  `"macOS"`,
	},
	{
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		secChUA:   `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		platform:  `"Linux"`,
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:126.0) Gecko/20100101 Firefox/126.0",
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
		secChUA:   `"Not/A)Brand";v="8", "Chromium";v="126", "Microsoft Edge";v="126"`,
		platform:  `"Windows"`,
	},
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9,en-US;q=0.8",
	"en-US,en;q=0.8,es;q=0.5",
	"en-CA,en;q=0.9,fr-CA;q=0.7",
	"en-AU,en;q=0.9",
}

var referrers = []string{
	"https://www.google.com/",
	"https://aistudio.google.com/",
	"https://ai.google.dev/",
	"https://developers.google.com/",
}

var origins = []string{
	"https://aistudio.google.com",
	"https://ai.google.dev",
}

// RandomizeHeaders replaces the transport identity headers with probability
// chance, sampling one coherent browser bundle and optionally injecting a
// spoofed forwarding address and a plausible referrer. No-op when stealth
// mode is disabled.
func (o *Optimizer) RandomizeHeaders(h http.Header, chance float64) {
	if !o.stealth {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.rng.Float64() >= chance {
		return
	}

	sig := browserSignatures[o.rng.Intn(len(browserSignatures))]
	h.Set("User-Agent", sig.userAgent)
	h.Set("Accept-Language", acceptLanguages[o.rng.Intn(len(acceptLanguages))])
	if sig.secChUA != "" {
		h.Set("Sec-Ch-Ua", sig.secChUA)
		h.Set("Sec-Ch-Ua-Mobile", "?0")
		h.Set("Sec-Ch-Ua-Platform", sig.platform)
	} else {
		h.Del("Sec-Ch-Ua")
		h.Del("Sec-Ch-Ua-Mobile")
		h.Del("Sec-Ch-Ua-Platform")
	}

	if o.rng.Float64() < 0.3 {
		h.Set("X-Forwarded-For", o.randomPublicIP())
	}
	if o.rng.Float64() < 0.5 {
		h.Set("Referer", referrers[o.rng.Intn(len(referrers))])
		h.Set("Origin", origins[o.rng.Intn(len(origins))])
	}
}

func (o *Optimizer) randomPublicIP() string {
	// First octet avoids reserved ranges; good enough for a decoy header.
	return fmt.Sprintf("%d.%d.%d.%d",
		11+o.rng.Intn(200),
		o.rng.Intn(256),
		o.rng.Intn(256),
		1+o.rng.Intn(254))
}
