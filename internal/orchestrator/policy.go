package orchestrator

import "fmt"

// Policy decides what a task error does to its phase.
type Policy string

const (
	// PolicyAbort fails the phase on the first error message and cancels
	// the rest of the job.
	PolicyAbort Policy = "abort"
	// PolicyDrain waits for every message, then fails the phase.
	PolicyDrain Policy = "drain"
	// PolicyTolerate completes the phase and reports the failed indexes.
	PolicyTolerate Policy = "tolerate"
)

// ParsePolicy accepts the config spelling; empty means PolicyAbort.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyAbort, nil
	case PolicyAbort, PolicyDrain, PolicyTolerate:
		return p, nil
	default:
		return "", fmt.Errorf("orchestrator: unknown error policy %q", s)
	}
}
