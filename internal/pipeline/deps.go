package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/chainproof/chainproof/internal/analyzer"
	"github.com/chainproof/chainproof/internal/chain"
	"github.com/chainproof/chainproof/internal/compiler"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/llm"
)

// ValidationMode selects how a validation run checks a proof.
type ValidationMode string

const (
	// ValidationModeExecution replays the proof in a fresh sandbox.
	ValidationModeExecution ValidationMode = "execution"
	// ValidationModeLLM asks the model service for a verdict instead
	// of executing anything.
	ValidationModeLLM ValidationMode = "llm"
)

// Workspace manages per-run clones and the shared source cache.
type Workspace interface {
	Clone(ctx context.Context, runID uuid.UUID, repoURL string, commitHash string) (string, error)
	Remove(path string) error
	CacheFile(protocolID uuid.UUID, relPath string, data []byte) error
	ReadCachedFile(protocolID uuid.UUID, relPath string) ([]byte, error)
}

// Compiler turns a checked-out project into deployable artifacts
// keyed by contract name.
type Compiler interface {
	Compile(ctx context.Context, dir string, path string) (map[string]compiler.Artifact, error)
}

// Analyzer runs static analysis over a checked-out project.
type Analyzer interface {
	Analyze(ctx context.Context, dir string) (*analyzer.Report, error)
}

// Sandbox is a running isolated chain node owned by a single run.
type Sandbox interface {
	URL() string
	Kill() error
}

// SandboxLauncher spawns sandboxes.
type SandboxLauncher interface {
	Spawn(ctx context.Context) (Sandbox, error)
}

// LLMClient is the model service surface the pipelines use.
type LLMClient interface {
	EnhanceFindings(ctx context.Context, contractSource string, findings []analyzer.Finding) ([]analyzer.Finding, error)
	AnalyzeProof(ctx context.Context, analysis llm.ProofAnalysis) (*llm.Verdict, error)
}

// ChainClient records validation outcomes and reputation feedback
// through the attestation relayer.
type ChainClient interface {
	RecordValidation(ctx context.Context, record chain.ValidationRecord) (*chain.ValidationReceipt, error)
	RecordFeedback(ctx context.Context, feedback chain.Feedback) error
}

// Submitter hands freshly created proofs to the validation queue and
// returns the id of the validation run it created.
type Submitter interface {
	SubmitProof(ctx context.Context, proofID uuid.UUID) (uuid.UUID, error)
}

// Emitter publishes pipeline events. Implementations never fail the
// caller.
type Emitter interface {
	RunEvent(ctx context.Context, e events.RunEvent)
	StepEvent(ctx context.Context, e events.StepEvent)
	FindingEvent(ctx context.Context, e events.FindingEvent)
	ProofEvent(ctx context.Context, e events.ProofEvent)
	Log(ctx context.Context, e events.LogEvent)
}

// Result is what a finished pipeline reports back to its dispatcher.
type Result struct {
	FindingsCount int
	Annotations   []string
}
