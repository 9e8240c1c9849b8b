package security

import (
	"fmt"

	"github.com/sessionworks/go-session-server/sessions"
)

// Risk weights for hijack scoring. IP plus fingerprint divergence clears the
// default threshold on their own; a lone user-agent change (browser update)
// does not.
const (
	riskWeightIPChange    = 0.4
	riskWeightFingerprint = 0.45
	riskWeightUserAgent   = 0.25
)

// HijackAssessment is the outcome of DetectHijacking. Detection never acts
// on the session itself; terminating is the caller's decision.
type HijackAssessment struct {
	Suspicious bool
	RiskScore  float64
	Reasons    []string
}

// DetectHijacking scores how far the current request's signals have drifted
// from the session's recorded baseline.
func (s *Service) DetectHijacking(session *sessions.Session, currentIP string, currentFingerprint *sessions.DeviceFingerprint) HijackAssessment {
	var assessment HijackAssessment

	if session.IPAddress != "" && currentIP != "" && session.IPAddress != currentIP {
		assessment.RiskScore += riskWeightIPChange
		assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("ip changed from %s to %s", session.IPAddress, currentIP))
	}

	if session.Fingerprint != nil && currentFingerprint != nil {
		similarity := session.Fingerprint.Similarity(currentFingerprint)
		if similarity < 1.0 {
			assessment.RiskScore += riskWeightFingerprint * (1.0 - similarity)
			assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("device fingerprint similarity %.2f", similarity))
		}
		if session.Fingerprint.UserAgent != "" && currentFingerprint.UserAgent != "" &&
			session.Fingerprint.UserAgent != currentFingerprint.UserAgent {
			assessment.RiskScore += riskWeightUserAgent
			assessment.Reasons = append(assessment.Reasons, "user agent changed")
		}
	}

	if assessment.RiskScore > 1.0 {
		assessment.RiskScore = 1.0
	}
	assessment.Suspicious = assessment.RiskScore > s.riskThreshold

	if assessment.Suspicious {
		s.log.Warn().
			Str("session_id", session.ID).
			Str("user_id", session.UserID).
			Float64("risk_score", assessment.RiskScore).
			Strs("reasons", assessment.Reasons).
			Msg("suspicious session access")
	}
	return assessment
}
