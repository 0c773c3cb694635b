package v1alpha1

// RunKind selects which pipeline a run executes.
type RunKind string

const (
	RunKindScan       RunKind = "scan"
	RunKindValidation RunKind = "validation"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepStatusStarted   StepStatus = "STARTED"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// FindingStatus tracks a finding from detection through validation.
type FindingStatus string

const (
	FindingStatusPending   FindingStatus = "PENDING"
	FindingStatusValidated FindingStatus = "VALIDATED"
	FindingStatusRejected  FindingStatus = "REJECTED"
)

// ProofStatus tracks a proof from creation through on-chain validation.
type ProofStatus string

const (
	ProofStatusCreated    ProofStatus = "CREATED"
	ProofStatusSubmitted  ProofStatus = "SUBMITTED"
	ProofStatusValidating ProofStatus = "VALIDATING"
	ProofStatusValidated  ProofStatus = "VALIDATED"
	ProofStatusRejected   ProofStatus = "REJECTED"
)

// WorkerType selects the pipelines a worker claims.
type WorkerType string

const (
	WorkerTypeResearcher WorkerType = "RESEARCHER"
	WorkerTypeValidator  WorkerType = "VALIDATOR"
)

// WorkerStatus is the registration state of a worker process.
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "ONLINE"
	WorkerStatusBusy    WorkerStatus = "BUSY"
	WorkerStatusError   WorkerStatus = "ERROR"
	WorkerStatusOffline WorkerStatus = "OFFLINE"
)

// FindingSeverity grades a detected vulnerability.
type FindingSeverity string

const (
	FindingSeverityCritical FindingSeverity = "critical"
	FindingSeverityHigh     FindingSeverity = "high"
	FindingSeverityMedium   FindingSeverity = "medium"
	FindingSeverityLow      FindingSeverity = "low"
	FindingSeverityInfo     FindingSeverity = "info"
)
