package sessions

import "strings"

// DeviceFingerprint is an immutable snapshot of client signals captured when
// a session is created. Each field is optional; absent fields are left out
// of similarity scoring on both sides.
type DeviceFingerprint struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Screen    string `json:"screen,omitempty"` // e.g. "1920x1080x24"
}

// Field weights for Similarity. Stable hardware/locale signals outweigh the
// user agent, which drifts with every browser update.
const (
	weightPlatform  = 0.3
	weightScreen    = 0.3
	weightTimezone  = 0.2
	weightUserAgent = 0.2
)

// Similarity compares two fingerprints and returns a match score in [0,1].
// Fields missing from either side are excluded and the remaining weights are
// renormalised. Two empty fingerprints compare as a full match: absence of
// signals is not evidence of a different device.
func (f *DeviceFingerprint) Similarity(other *DeviceFingerprint) float64 {
	if f == nil || other == nil {
		if f == other {
			return 1.0
		}
		// One side captured signals, the other did not.
		return 0.0
	}

	totalWeight := 0.0
	score := 0.0

	add := func(a, b string, weight float64, match func(a, b string) float64) {
		if a == "" && b == "" {
			return
		}
		totalWeight += weight
		if a == "" || b == "" {
			return // present on one side only scores zero
		}
		score += weight * match(a, b)
	}

	exact := func(a, b string) float64 {
		if a == b {
			return 1.0
		}
		return 0.0
	}

	add(f.Platform, other.Platform, weightPlatform, exact)
	add(f.Screen, other.Screen, weightScreen, exact)
	add(f.Timezone, other.Timezone, weightTimezone, exact)
	add(f.UserAgent, other.UserAgent, weightUserAgent, userAgentSimilarity)

	if totalWeight == 0 {
		return 1.0
	}
	return score / totalWeight
}

// userAgentSimilarity is a token-overlap score so a browser version bump
// (one token changed) still reads as mostly the same agent.
func userAgentSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	tokensA := strings.Fields(a)
	tokensB := strings.Fields(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}
	setA := make(map[string]struct{}, len(tokensA))
	for _, t := range tokensA {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tokensB))
	for _, t := range tokensB {
		setB[t] = struct{}{}
	}
	shared := 0
	for t := range setB {
		if _, ok := setA[t]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0.0
	}
	return float64(shared) / float64(union)
}
