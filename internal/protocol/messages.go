package protocol

import "time"

// Operations accepted on the request subject.
const (
	OperationComplete   = "complete"
	OperationSynthesize = "synthesize"
	// OperationNarrate completes the text and synthesizes the completion.
	OperationNarrate = "narrate"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectRequest = "request"
	SubjectCancel  = "cancel"
	SubjectStatus  = "status"
)

// Subject joins the service prefix and a suffix.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// RenderRequest asks the service to process a document.
type RenderRequest struct {
	JobID       string `json:"job_id,omitempty"`
	Operation   string `json:"operation"`
	Text        string `json:"text"`
	FailureMode string `json:"failure_mode,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Preset      string `json:"preset,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Voice       string `json:"voice,omitempty"`
	// Split returns one part per successful unit instead of a merged
	// artifact.
	Split bool `json:"split,omitempty"`
}

// Part is the output of one unit, identified by its segment index.
type Part struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

// RenderResponse is the reply to a RenderRequest. Artifact is omitted when
// the job failed; for split requests Parts replaces it.
type RenderResponse struct {
	JobID         string   `json:"job_id"`
	State         string   `json:"state"`
	Format        string   `json:"format,omitempty"`
	Artifact      []byte   `json:"artifact,omitempty"`
	Split         bool     `json:"split,omitempty"`
	Parts         []Part   `json:"parts,omitempty"`
	Units         int      `json:"units"`
	Cached        int      `json:"cached"`
	FailedIndices []int    `json:"failed_indices,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
	Error         string   `json:"error,omitempty"`
	ElapsedMS     int64    `json:"elapsed_ms"`
}

type CancelRequest struct {
	JobID string `json:"job_id"`
}

type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// StatusEvent is published for every job state transition.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
