package relay

import (
	"sort"
	"time"
)

// Severity is the classified urgency of an alert.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityUnknown  Severity = "Unknown"
)

// Severities lists the known levels from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown}

// Rank orders severities for threshold comparisons. Unknown ranks lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Status tracks where an alert is in its pipeline.
type Status string

const (
	// StatusNew means persisted, not yet classified
	StatusNew Status = "new"

	// StatusClassified means severity is set, actions not yet chosen
	StatusClassified Status = "classified"

	// StatusRouted means the action set is persisted and being delivered
	StatusRouted Status = "routed"

	// StatusDelivered means every action was delivered (or there were none)
	StatusDelivered Status = "delivered"

	// StatusFailed means at least one action ended in a failed state
	StatusFailed Status = "failed"
)

// Terminal reports whether the pipeline has nothing left to do for this status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ParseStatus maps a wire value to a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusNew, StatusClassified, StatusRouted, StatusDelivered, StatusFailed:
		return st, true
	}
	return "", false
}

// ActionKind names a downstream integration call.
type ActionKind string

const (
	ActionCreateTicket ActionKind = "create_ticket"
	ActionNotifyChat   ActionKind = "notify_chat"
)

// ParseActionKind maps a wire value to an ActionKind.
func ParseActionKind(s string) (ActionKind, bool) {
	switch k := ActionKind(s); k {
	case ActionCreateTicket, ActionNotifyChat:
		return k, true
	}
	return "", false
}

// ActionState tracks delivery of a single action.
type ActionState string

const (
	ActionPending         ActionState = "pending"
	ActionDelivered       ActionState = "delivered"
	ActionFailedPermanent ActionState = "failed_permanent"
	ActionFailedRetryable ActionState = "failed_retryable"
)

// Alert is an inbound security event and its pipeline state.
type Alert struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Message       string    `json:"message"`
	Severity      Severity  `json:"severity"`
	Confidence    float64   `json:"confidence"`
	ClassifyError string    `json:"classify_error,omitempty"`
	Rule          string    `json:"rule,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Actions       []Action  `json:"actions"`
}

// Action is one unit of downstream routing work for an alert. The pair
// (AlertID, Kind) identifies it.
type Action struct {
	AlertID   string      `json:"alert_id"`
	Kind      ActionKind  `json:"kind"`
	Seq       int         `json:"seq"`
	State     ActionState `json:"state"`
	TargetRef string      `json:"target_ref,omitempty"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Actions != nil {
		cp.Actions = make([]Action, len(a.Actions))
		copy(cp.Actions, a.Actions)
	}
	return &cp
}

// Action returns the alert's action of the given kind, or nil.
func (a *Alert) Action(kind ActionKind) *Action {
	for i := range a.Actions {
		if a.Actions[i].Kind == kind {
			return &a.Actions[i]
		}
	}
	return nil
}

// SortActions orders actions by Seq.
func (a *Alert) SortActions() {
	sort.SliceStable(a.Actions, func(i, j int) bool { return a.Actions[i].Seq < a.Actions[j].Seq })
}

// settledStatus derives the alert status from its actions. It returns
// StatusRouted while any action is still pending.
func (a *Alert) settledStatus() Status {
	failed := false
	for _, act := range a.Actions {
		switch act.State {
		case ActionPending:
			return StatusRouted
		case ActionFailedPermanent, ActionFailedRetryable:
			failed = true
		}
	}
	if failed {
		return StatusFailed
	}
	return StatusDelivered
}

// hasRetryable reports whether any action can be re-driven.
func (a *Alert) hasRetryable() bool {
	for _, act := range a.Actions {
		if act.State == ActionFailedRetryable {
			return true
		}
	}
	return false
}
