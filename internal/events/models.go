package events

// RunEvent reports a run lifecycle transition.
type RunEvent struct {
	RunID         string `json:"run_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	SubjectID     string `json:"subject_id"`
	WorkerID      string `json:"worker_id,omitempty"`
	FindingsCount int    `json:"findings_count,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// StepEvent reports step progress inside a run. Percent is the
// pipeline's overall position after this step, Message a short
// human-readable line for dashboards.
type StepEvent struct {
	RunID      string `json:"run_id"`
	SubjectID  string `json:"subject_id,omitempty"`
	Seq        int    `json:"seq"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Percent    int    `json:"percent"`
	Message    string `json:"message,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// FindingEvent reports a persisted or revalidated finding.
type FindingEvent struct {
	FindingID         string  `json:"finding_id"`
	RunID             string  `json:"run_id"`
	ProtocolID        string  `json:"protocol_id"`
	VulnerabilityType string  `json:"vulnerability_type"`
	Severity          string  `json:"severity"`
	ConfidenceScore   float64 `json:"confidence_score"`
	Status            string  `json:"status"`
}

// ProofEvent reports a proof status transition.
type ProofEvent struct {
	ProofID       string `json:"proof_id"`
	FindingID     string `json:"finding_id"`
	Status        string `json:"status"`
	OnChainTxHash string `json:"on_chain_tx_hash,omitempty"`
}

// WorkerEvent reports a worker status change.
type WorkerEvent struct {
	WorkerID  string `json:"worker_id"`
	State     string `json:"state"`
	StateInfo string `json:"state_info"`
}

// LogEvent carries a free-form pipeline log line for live dashboards.
type LogEvent struct {
	RunID     string `json:"run_id"`
	SubjectID string `json:"subject_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
