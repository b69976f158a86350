package pipeline

// Stats is a point-in-time snapshot of the pipeline counters, served on the
// debug API.
type Stats struct {
	UnitsRead  int64 `json:"unitsRead"`
	BytesRead  int64 `json:"bytesRead"`
	Dispatched int64 `json:"dispatched"`
	Malformed  int64 `json:"malformed"`

	SPS        int64 `json:"sps"`
	PPS        int64 `json:"pps"`
	SEI        int64 `json:"sei"`
	Incomplete int64 `json:"incomplete"`

	ParameterUpdates int64 `json:"parameterUpdates"`
	FormatErrors     int64 `json:"formatErrors"`
	CreateErrors     int64 `json:"createErrors"`

	Submitted    int64 `json:"submitted"`
	NotReady     int64 `json:"notReady"`
	DecodeErrors int64 `json:"decodeErrors"`
	QueueDropped int64 `json:"queueDropped"`
	QueueDepth   int   `json:"queueDepth"`

	Captions  int64 `json:"captions"`
	LastPTSMs int64 `json:"lastPtsMs"`
}
