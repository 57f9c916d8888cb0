// Package recommend adapts an external risk/urgency signal into an
// approval recommendation shown to the human approver. The grant engine
// never computes the signal itself; it only forwards the adapter's output,
// which keeps the state machine deterministic and testable.
package recommend

import "context"

// Input is the opaque signal handed to the adapter.
type Input struct {
	Urgency     string
	RiskSignals []string
}

// Recommendation is what the approver surface displays. It never gates a
// transition on its own; a human decision does.
type Recommendation struct {
	Approve    bool
	Confidence float64
	Reasons    []string
}

// Advisor evaluates a request signal. Implementations live outside this
// subsystem (ML scoring, rule engines); only the shape is fixed here.
type Advisor interface {
	Evaluate(ctx context.Context, in Input) (Recommendation, error)
}

// Static is a neutral advisor used when no external scorer is wired. It
// leans on urgency alone and says so.
type Static struct{}

// Evaluate implements Advisor.
func (Static) Evaluate(_ context.Context, in Input) (Recommendation, error) {
	rec := Recommendation{Confidence: 0.5}
	switch in.Urgency {
	case "critical":
		rec.Approve = true
		rec.Confidence = 0.7
		rec.Reasons = append(rec.Reasons, "urgency: critical")
	case "high":
		rec.Approve = true
		rec.Confidence = 0.6
		rec.Reasons = append(rec.Reasons, "urgency: high")
	default:
		rec.Reasons = append(rec.Reasons, "no external risk signal configured")
	}
	if len(in.RiskSignals) > 0 {
		rec.Reasons = append(rec.Reasons, "unreviewed risk signals present")
		rec.Approve = false
	}
	return rec, nil
}
