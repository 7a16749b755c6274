package forward

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// RequestHash computes the content-addressed key for a request: the path
// plus any extractable generation text. Payloads without structured text
// fall back to hashing the raw bytes, so distinct opaque bodies never
// collide on path alone.
func RequestHash(path string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})

	if text := extractGenerationText(payload); text != "" {
		h.Write([]byte(text))
	} else {
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func extractGenerationText(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var doc struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range doc.Contents {
		for _, p := range c.Parts {
			sb.WriteString(p.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
