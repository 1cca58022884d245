package lifecycle

import (
	"fmt"
)

// Status is the lifecycle stage of a vehicle's stay in the garage.
type Status string

const (
	StatusEntered          Status = "ENTERED"
	StatusFlagged          Status = "FLAGGED"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusInService        Status = "IN_SERVICE"
	StatusReadyForExit     Status = "READY_FOR_EXIT"
	StatusExited           Status = "EXITED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusEntered, StatusFlagged, StatusAwaitingApproval,
		StatusInService, StatusReadyForExit, StatusExited:
		return true
	}
	return false
}

// IsOpen reports whether the entry is still inside the garage. EXITED is the
// only closed state.
func (s Status) IsOpen() bool {
	return s.IsValid() && s != StatusExited
}

// Trigger identifies the action driving a lifecycle transition.
type Trigger string

const (
	// TriggerFlag is a long-stay or post-hoc confidence re-review.
	TriggerFlag Trigger = "flag"
	// TriggerRequestApproval opens an approval request against the entry.
	TriggerRequestApproval Trigger = "request_approval"
	// TriggerApprove is an approval resolving APPROVED.
	TriggerApprove Trigger = "approve"
	// TriggerReject is an approval resolving REJECTED or EXPIRED.
	TriggerReject Trigger = "reject"
	// TriggerServiceDone is an operator marking work complete.
	TriggerServiceDone Trigger = "service_done"
	// TriggerExit is an exit detected by camera or operator.
	TriggerExit Trigger = "exit"
	// TriggerOverrideFlag is an administrative move to FLAGGED from any open
	// state. Callers must supply and audit a reason.
	TriggerOverrideFlag Trigger = "override_flag"
)

// IllegalTransitionError is returned when a trigger is not legal from the
// entry's current state. It carries enough detail for the caller to decide
// on an override.
type IllegalTransitionError struct {
	From    Status
	Trigger Trigger
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: trigger %q from state %q", e.Trigger, e.From)
}

// transitions is the single transition table: from state x trigger -> next
// state. Everything absent from the table is illegal.
var transitions = map[Status]map[Trigger]Status{
	StatusEntered: {
		TriggerFlag:            StatusFlagged,
		TriggerRequestApproval: StatusAwaitingApproval,
		TriggerExit:            StatusExited,
	},
	StatusFlagged: {
		TriggerRequestApproval: StatusAwaitingApproval,
	},
	StatusAwaitingApproval: {
		TriggerApprove: StatusInService,
		TriggerReject:  StatusFlagged,
	},
	StatusInService: {
		TriggerServiceDone: StatusReadyForExit,
	},
	StatusReadyForExit: {
		TriggerExit: StatusExited,
	},
}

// Next resolves the target state for a trigger from the given state, or an
// *IllegalTransitionError. TriggerOverrideFlag is legal from any open state;
// EXITED is terminal for every trigger.
func Next(from Status, trigger Trigger) (Status, error) {
	if !from.IsValid() {
		return "", fmt.Errorf("unknown lifecycle state %q", from)
	}

	if trigger == TriggerOverrideFlag {
		if from == StatusExited {
			return "", &IllegalTransitionError{From: from, Trigger: trigger}
		}
		return StatusFlagged, nil
	}

	if to, ok := transitions[from][trigger]; ok {
		return to, nil
	}
	return "", &IllegalTransitionError{From: from, Trigger: trigger}
}

// CanExitNormally reports whether an exit from this state needs no operator
// override. Exits from states other than READY_FOR_EXIT and ENTERED are
// policy violations that must carry an override reason.
func CanExitNormally(from Status) bool {
	return from == StatusReadyForExit || from == StatusEntered
}
