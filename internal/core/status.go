package core

// CallStatus is the lifecycle state of a call log.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
)

// callTransitions names the allowed prior states for each target state.
// Forward path is queued -> ringing -> in-progress -> completed; any
// non-terminal state may drop to failed, busy, no-answer or canceled.
var callTransitions = map[CallStatus][]CallStatus{
	CallRinging:    {CallQueued},
	CallInProgress: {CallQueued, CallRinging},
	CallCompleted:  {CallQueued, CallRinging, CallInProgress},
	CallFailed:     {CallQueued, CallRinging, CallInProgress},
	CallBusy:       {CallQueued, CallRinging, CallInProgress},
	CallNoAnswer:   {CallQueued, CallRinging, CallInProgress},
	CallCanceled:   {CallQueued, CallRinging, CallInProgress},
}

// IsTerminal reports whether the status admits no further transitions.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer, CallCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known call status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallQueued, CallRinging, CallInProgress, CallCompleted,
		CallFailed, CallBusy, CallNoAnswer, CallCanceled:
		return true
	}
	return false
}

// AllowedFrom returns the prior states permitted to move into target.
// Conditional UPDATEs use exactly this list in their WHERE clause so a
// terminal row can never be rewritten.
func AllowedFrom(target CallStatus) []CallStatus {
	return callTransitions[target]
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to CallStatus) bool {
	for _, s := range callTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// BatchStatus is the lifecycle state of a batch campaign.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchRunning  BatchStatus = "running"
	BatchFinished BatchStatus = "finished"
	BatchCanceled BatchStatus = "canceled"
	BatchFailed   BatchStatus = "failed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchRunning:  {BatchPending},
	BatchFinished: {BatchRunning},
	BatchCanceled: {BatchPending, BatchRunning},
	BatchFailed:   {BatchPending, BatchRunning},
}

// IsTerminal reports whether the batch can no longer change state.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchFinished, BatchCanceled, BatchFailed:
		return true
	}
	return false
}

// BatchAllowedFrom returns the prior states permitted to move into target.
func BatchAllowedFrom(target BatchStatus) []BatchStatus {
	return batchTransitions[target]
}

// EntryStatus is the lifecycle state of one batch entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryClaimed  EntryStatus = "claimed"
	EntryDone     EntryStatus = "completed"
	EntryFailed   EntryStatus = "failed"
	EntryCanceled EntryStatus = "canceled"
)

// ProviderStatus gates provider selection in the router.
type ProviderStatus string

const (
	ProviderActive       ProviderStatus = "active"
	ProviderTempDisabled ProviderStatus = "temporarily_disabled"
	ProviderDisabled     ProviderStatus = "disabled"
)
