package session

import "fmt"

// maxDecisionHistory bounds the verdicts kept per session for block checks.
const maxDecisionHistory = 64

// BlockPolicy decides whether a session's recent tool decisions mean it is
// stuck.
type BlockPolicy interface {
	Blocked(history []Verdict) bool
	Name() string
}

// StrictRun blocks when the last Window verdicts are all rejections.
type StrictRun struct {
	Window int
}

func (p StrictRun) Name() string { return fmt.Sprintf("strict_run(%d)", p.window()) }

func (p StrictRun) window() int {
	if p.Window < 1 {
		return 3
	}
	return p.Window
}

func (p StrictRun) Blocked(history []Verdict) bool {
	w := p.window()
	if len(history) < w {
		return false
	}
	for _, v := range history[len(history)-w:] {
		if v != VerdictReject {
			return false
		}
	}
	return true
}

// RejectRatio blocks when at least Threshold of the last Window verdicts
// are rejections, so sessions that alternate accept and reject can also be
// caught.
type RejectRatio struct {
	Window    int
	Threshold float64
}

func (p RejectRatio) Name() string {
	return fmt.Sprintf("reject_ratio(%d,%.2f)", p.Window, p.Threshold)
}

func (p RejectRatio) Blocked(history []Verdict) bool {
	w := p.Window
	if w < 1 {
		w = 3
	}
	if len(history) < w {
		return false
	}
	rejects := 0
	for _, v := range history[len(history)-w:] {
		if v == VerdictReject {
			rejects++
		}
	}
	return float64(rejects)/float64(w) >= p.Threshold
}

// NewBlockPolicy builds a policy by config name: "strict_run" (default) or
// "reject_ratio".
func NewBlockPolicy(name string, window int, ratio float64) (BlockPolicy, error) {
	switch name {
	case "", "strict_run":
		return StrictRun{Window: window}, nil
	case "reject_ratio":
		if ratio <= 0 || ratio > 1 {
			return nil, fmt.Errorf("block policy %q: ratio %.2f not in (0,1]", name, ratio)
		}
		return RejectRatio{Window: window, Threshold: ratio}, nil
	}
	return nil, fmt.Errorf("unknown block policy %q", name)
}
