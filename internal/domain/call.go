package domain

type (
	CallID string
	RoomID string
)

// CallKind is the negotiated media kind of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// CallStatus is the final outcome recorded when a call ends.
type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallRejected  CallStatus = "rejected"
	CallMissed    CallStatus = "missed"
	CallFailed    CallStatus = "failed"
)

// CallRecord is what gets committed to call history when a call ends.
type CallRecord struct {
	ID       CallID     `json:"id"`
	Room     RoomID     `json:"room"`
	Status   CallStatus `json:"call_status"`
	Duration int        `json:"duration"`
}
