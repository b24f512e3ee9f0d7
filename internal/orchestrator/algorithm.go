package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/turtacn/closedloop/internal/glucose"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/runningmode"
)

// Input is what the dosing algorithm sees on one pass.
type Input struct {
	Now       time.Time
	Mode      runningmode.Mode
	Glucose   glucose.Status
	BaseBasal float64
	// TempBasal is the temp basal believed to be running, if any.
	TempBasal *pump.TempBasal
}

// Suggestion is a dosing decision. When TempBasal is false the basal is left
// alone; a Rate equal to the scheduled basal means cancel.
type Suggestion struct {
	TempBasal bool          `json:"tempBasal"`
	Rate      float64       `json:"rate"`
	Duration  time.Duration `json:"duration"`
	SMB       float64       `json:"smb"`
	Reason    string        `json:"reason"`
}

func (s Suggestion) String() string {
	if !s.TempBasal && s.SMB == 0 {
		return "no change: " + s.Reason
	}
	out := ""
	if s.TempBasal {
		out = fmt.Sprintf("temp basal %.2f U/h for %s", s.Rate, s.Duration)
	}
	if s.SMB > 0 {
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("SMB %.2f U", s.SMB)
	}
	return out + ": " + s.Reason
}

// Algorithm produces a suggestion from the current state.
type Algorithm interface {
	Suggest(ctx context.Context, in Input) (Suggestion, error)
}

// Constraints narrows a suggestion to what is safe to enact.
type Constraints interface {
	Apply(s Suggestion, in Input) Suggestion
}

// Hold never changes delivery. It stands in when no dosing algorithm is
// configured, so the loop still exercises mode and glucose checks.
type Hold struct{}

func (Hold) Suggest(context.Context, Input) (Suggestion, error) {
	return Suggestion{Reason: "no algorithm configured"}, nil
}

// Limits clamps temp basal rates and SMB sizes.
type Limits struct {
	MaxBasal float64
	MaxSMB   float64
}

func (l Limits) Apply(s Suggestion, _ Input) Suggestion {
	if s.TempBasal {
		s.Rate = math.Max(0, s.Rate)
		if l.MaxBasal > 0 && s.Rate > l.MaxBasal {
			s.Rate = l.MaxBasal
			s.Reason += fmt.Sprintf("; basal limited to %.2f", l.MaxBasal)
		}
	}
	if s.SMB < 0 {
		s.SMB = 0
	}
	if s.SMB > l.MaxSMB {
		s.SMB = l.MaxSMB
		s.Reason += fmt.Sprintf("; SMB limited to %.2f", l.MaxSMB)
	}
	return s
}

// lowGlucoseSuspendOnly removes any insulin above the scheduled basal.
func lowGlucoseSuspendOnly(s Suggestion, base float64) Suggestion {
	if s.TempBasal && s.Rate > base {
		s.Rate = base
		s.Reason += "; LGS caps to scheduled basal"
	}
	if s.SMB > 0 {
		s.SMB = 0
		s.Reason += "; LGS disallows SMB"
	}
	return s
}

func sameRate(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// Personal.AI order the ending
