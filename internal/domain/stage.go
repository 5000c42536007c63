package domain

import "fmt"

// Stage is a lead's position in the pipeline.
type Stage string

const (
	StageDiscovered            Stage = "discovered"
	StageEnriched              Stage = "enriched"
	StageScored                Stage = "scored"
	StageQualified             Stage = "qualified"
	StageRejected              Stage = "rejected"
	StageInSequence            Stage = "in_sequence"
	StageTouch1Sent            Stage = "touch_1_sent"
	StageTouch2Sent            Stage = "touch_2_sent"
	StageTouch3Sent            Stage = "touch_3_sent"
	StageRepliedInterested     Stage = "replied_interested"
	StageCallPermissionSent    Stage = "call_permission_sent"
	StageCallPermissionGranted Stage = "call_permission_granted"
	StageCallAttempted         Stage = "call_attempted"
	StageBooked                Stage = "booked"
	StageMeetingHeld           Stage = "meeting_held"
	StageBecameClient          Stage = "became_client"
	StageNurture               Stage = "nurture"
	StageClosedLost            Stage = "closed_lost"
	StageUnsubscribed          Stage = "unsubscribed"
)

// Stages lists every defined stage in pipeline order.
var Stages = []Stage{
	StageDiscovered, StageEnriched, StageScored, StageQualified, StageRejected,
	StageInSequence, StageTouch1Sent, StageTouch2Sent, StageTouch3Sent,
	StageRepliedInterested, StageCallPermissionSent, StageCallPermissionGranted,
	StageCallAttempted, StageBooked, StageMeetingHeld, StageBecameClient,
	StageNurture, StageClosedLost, StageUnsubscribed,
}

// ParseStage validates s against the closed stage set.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", invalid("stage", "unknown stage %q", s)
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool {
	_, err := ParseStage(string(s))
	return err == nil
}

// IsTerminal reports whether no further transition is accepted from s.
func (s Stage) IsTerminal() bool {
	return s == StageUnsubscribed || s == StageClosedLost
}

// IsPostQualified reports whether s lies on or after the qualified stage.
// The side branches nurture, closed_lost and unsubscribed are only reachable
// from these stages.
func (s Stage) IsPostQualified() bool {
	switch s {
	case StageDiscovered, StageEnriched, StageScored, StageRejected, "":
		return false
	}
	return s.Valid()
}

// AcceptsTouches reports whether a scheduled touch may be sent while the
// organization sits in s.
func (s Stage) AcceptsTouches() bool {
	switch s {
	case StageInSequence, StageTouch1Sent, StageTouch2Sent, StageTouch3Sent:
		return true
	}
	return false
}

// TouchSentStage returns the stage reached after touch n has been sent.
func TouchSentStage(n int) (Stage, bool) {
	switch n {
	case 1:
		return StageTouch1Sent, true
	case 2:
		return StageTouch2Sent, true
	case 3:
		return StageTouch3Sent, true
	}
	return "", false
}

// predecessors maps each target stage to the stages it may be entered from.
// Side branches are handled separately in CheckTransition.
var predecessors = map[Stage][]Stage{
	StageEnriched:              {StageDiscovered},
	StageScored:                {StageDiscovered, StageEnriched, StageRejected},
	StageQualified:             {StageScored},
	StageRejected:              {StageScored},
	StageInSequence:            {StageQualified, StageNurture},
	StageTouch1Sent:            {StageInSequence},
	StageTouch2Sent:            {StageTouch1Sent},
	StageTouch3Sent:            {StageTouch2Sent},
	StageRepliedInterested:     {StageInSequence, StageTouch1Sent, StageTouch2Sent, StageTouch3Sent, StageNurture},
	StageCallPermissionSent:    {StageRepliedInterested},
	StageCallPermissionGranted: {StageCallPermissionSent},
	StageCallAttempted:         {StageCallPermissionGranted},
	StageBooked:                {StageCallAttempted, StageCallPermissionSent},
	StageMeetingHeld:           {StageBooked},
	StageBecameClient:          {StageMeetingHeld},
}

// TransitionFacts carries the stored facts some transitions are guarded on.
// The store fills it inside the same transaction that applies the change.
type TransitionFacts struct {
	// LatestCallStatus is the status of the organization's most recent call
	// record, empty when none exists.
	LatestCallStatus CallStatus
}

// CheckTransition validates moving an organization from current to target.
// guard, when non-empty, must equal current. It never coerces: any mismatch
// yields a *TransitionError.
func CheckTransition(orgID string, current, guard, target Stage, facts TransitionFacts) error {
	reject := func(reason string) error {
		return &TransitionError{OrgID: orgID, Current: current, Guard: guard, Target: target, Reason: reason}
	}
	if !target.Valid() {
		return reject(fmt.Sprintf("unknown target stage %q", target))
	}
	if guard != "" && guard != current {
		return reject("stage changed concurrently")
	}
	if current.IsTerminal() {
		return reject("current stage is terminal")
	}
	if current == target {
		return reject("already in target stage")
	}

	switch target {
	case StageNurture, StageClosedLost, StageUnsubscribed:
		if !current.IsPostQualified() {
			return reject("side branch requires a qualified lead")
		}
		return nil
	case StageDiscovered:
		return reject("discovered is an initial stage only")
	case StageBooked:
		return checkBooking(current, facts, reject)
	}

	for _, p := range predecessors[target] {
		if p == current {
			return nil
		}
	}
	return reject("not an allowed predecessor")
}

// checkBooking enforces the two booking paths. A voice call that booked
// the meeting comes from call_attempted. The fallback path (slots proposed
// by email) is open only when the call was not answered, or when it was
// skipped because permission was never granted.
func checkBooking(current Stage, facts TransitionFacts, reject func(string) error) error {
	switch current {
	case StageCallAttempted:
		switch facts.LatestCallStatus {
		case CallBooked, CallNoAnswer:
			return nil
		}
		return reject(fmt.Sprintf("latest call status %q does not allow booking", facts.LatestCallStatus))
	case StageCallPermissionSent:
		if facts.LatestCallStatus == CallSkipped {
			return nil
		}
		return reject("fallback booking requires a skipped call (permission not granted)")
	}
	return reject("not an allowed predecessor")
}

// ConversionStage reports whether reaching s is recorded as outcome feedback.
func ConversionStage(s Stage) bool {
	switch s {
	case StageRepliedInterested, StageBooked, StageMeetingHeld, StageBecameClient:
		return true
	}
	return false
}
