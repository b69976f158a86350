package decode

// Stats is a point-in-time snapshot of controller counters, suitable for
// JSON serialization on the debug API.
type Stats struct {
	State     string `json:"state"`
	SessionID uint64 `json:"sessionId"`
	Stale     bool   `json:"stale"`
	Closed    bool   `json:"closed"`

	SessionsCreated int64 `json:"sessionsCreated"`
	CreateFailures  int64 `json:"createFailures"`
	FormatFailures  int64 `json:"formatFailures"`
	Submitted       int64 `json:"submitted"`
	NotReady        int64 `json:"notReady"`
	InvalidSession  int64 `json:"invalidSession"`
	BadData         int64 `json:"badData"`
	OtherErrors     int64 `json:"otherErrors"`
	FramesOutput    int64 `json:"framesOutput"`
	FramesFromStale int64 `json:"framesFromStale"`
}
