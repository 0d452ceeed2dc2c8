package dispatch

import "errors"

// State is one step of the per-query dispatch state machine. Terminal states
// are first-class so exhaustion is a testable outcome, not a fallthrough.
type State int

const (
	StateResolving State = iota
	StateCandidateSelected
	StateAuthorized
	StateReceiptIssued
	StateSent
	StateVerified
	StateRejected
	StateTimedOut
	StateDelivered
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateCandidateSelected:
		return "candidate_selected"
	case StateAuthorized:
		return "authorized"
	case StateReceiptIssued:
		return "receipt_issued"
	case StateSent:
		return "sent"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	case StateDelivered:
		return "delivered"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Caller-level terminal failures. Clients must be able to tell "no indexer
// exists" from "no budget left" from "all indexers tried failed"; budget
// denial surfaces as budget.ErrDenied.
var (
	ErrNoSupply  = errors.New("no indexer serves the deployment")
	ErrExhausted = errors.New("all indexer attempts failed")
)
