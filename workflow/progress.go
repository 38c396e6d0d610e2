package workflow

import (
	"math"

	"github.com/workflowzen/wfzen/storage"
)

// StepStatus is a step with its derived status.
type StepStatus struct {
	Step
	Count     int  `json:"count"`
	Completed bool `json:"completed"`
	Current   bool `json:"current"`
}

// Progress is the derived progress of the workflow.
type Progress struct {
	Steps     []StepStatus `json:"steps"`
	Completed int          `json:"completed"`
	Total     int          `json:"total"`

	// Current is 0 when every step is completed and none is pinned.
	Current StepID  `json:"current"`
	Percent float64 `json:"percent"`
}

// RoundedPercent is Percent rounded for display.
func (p Progress) RoundedPercent() int {
	return int(math.Round(p.Percent))
}

// CurrentStep returns the current step if there is one.
func (p Progress) CurrentStep() (Step, bool) {
	return StepByID(p.Current)
}

// ComputeProgress derives progress from record counts per kind.
// Steps without a kind count zero. A valid pinned step is current
// regardless of its completion.
func ComputeProgress(counts map[storage.Kind]int, pinned StepID) Progress {
	p := Progress{
		Steps: make([]StepStatus, len(Steps)),
		Total: len(Steps),
	}
	for i, step := range Steps {
		st := StepStatus{Step: step}
		if step.Kind != "" {
			st.Count = counts[step.Kind]
		}
		st.Completed = st.Count > 0
		if st.Completed {
			p.Completed++
		} else if p.Current == 0 {
			p.Current = step.ID
		}
		p.Steps[i] = st
	}
	if pinned.Valid() {
		p.Current = pinned
	}
	if p.Current != 0 {
		p.Steps[p.Current-1].Current = true
	}
	p.Percent = float64(p.Completed) / float64(p.Total) * 100
	return p
}
