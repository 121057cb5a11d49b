package orchestrator

import "fmt"

// State is a step of the run lifecycle. States only move forward.
type State int

const (
	Configured State = iota
	ModelReady
	GradientChecked
	Trained
	Evaluated
	Persisted
	Done
	Failed
)

var stateNames = [...]string{
	Configured:      "CONFIGURED",
	ModelReady:      "MODEL_READY",
	GradientChecked: "GRADIENT_CHECKED",
	Trained:         "TRAINED",
	Evaluated:       "EVALUATED",
	Persisted:       "PERSISTED",
	Done:            "DONE",
	Failed:          "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Done || s == Failed }
