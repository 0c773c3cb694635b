package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/analyzer"
	"github.com/chainproof/chainproof/internal/artifacts"
	"github.com/chainproof/chainproof/internal/compiler"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/policy"
	"github.com/chainproof/chainproof/internal/proof"
	"github.com/chainproof/chainproof/internal/sandbox"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// Scan pipeline step names, in execution order.
const (
	StepClone           = "CLONE"
	StepCompile         = "COMPILE"
	StepDeploy          = "DEPLOY"
	StepAnalyze         = "ANALYZE"
	StepAIDeepAnalysis  = "AI_DEEP_ANALYSIS"
	StepProofGeneration = "PROOF_GENERATION"
	StepSubmit          = "SUBMIT"
)

// oneEtherHex is 1e18 wei, the value attached to synthesized
// reproduction steps so exploits have funds to move.
const oneEtherHex = "0xde0b6b3a7640000"

// ResearcherConfig wires the scan pipeline's collaborators. Gate and
// Artifacts may be nil: a nil gate admits every finding, a nil
// artifact store skips archiving.
type ResearcherConfig struct {
	Workspace  Workspace
	Compiler   Compiler
	Launcher   SandboxLauncher
	Analyzer   Analyzer
	LLM        LLMClient
	Gate       *policy.Gate
	Artifacts  *artifacts.Store
	Submitter  Submitter
	Recipients []string
	SigningKey ed25519.PrivateKey
	AIEnabled  bool
}

// Researcher executes scan runs: clone, compile, deploy to a sandbox,
// analyze, optionally enhance with the model service, then persist
// findings, seal proofs and submit them for validation.
type Researcher struct {
	store    store.Store
	emitter  Emitter
	executor *Executor
	cfg      ResearcherConfig
	log      *zap.SugaredLogger
}

func NewResearcher(s store.Store, emitter Emitter, cfg ResearcherConfig) *Researcher {
	return &Researcher{
		store:    s,
		emitter:  emitter,
		executor: NewExecutor(s, emitter),
		cfg:      cfg,
		log:      zap.S().Named("researcher"),
	}
}

// scanState is the in-memory context threaded through one scan run.
// It is never persisted: an interrupted run is failed and resubmitted,
// not resumed.
type scanState struct {
	workdir     string
	source      string
	artifact    compiler.Artifact
	deployAddr  string
	tools       []string
	aiEnhanced  bool
	findings    []analyzer.Finding
	persisted   []model.Finding
	proofs      []model.Proof
	annotations []string
}

// Run executes the scan pipeline for a claimed run. Terminal run
// bookkeeping belongs to the dispatcher; the returned Result carries
// what it needs. Resources acquired along the way are released before
// Run returns, on every path.
func (r *Researcher) Run(ctx context.Context, run *model.Run, protocol *model.Protocol) (*Result, error) {
	state := &scanState{}
	guard := NewGuard()
	defer guard.Release()

	steps := r.executor.sequenceFor(run)

	if _, err := steps.Run(ctx, Step{
		Name:    StepClone,
		Policy:  Hard,
		Timeout: 5 * time.Minute,
		Code:    CodeCloneFailed,
		Percent: 10,
		Action: func(ctx context.Context) (StepOutput, error) {
			dir, err := r.cfg.Workspace.Clone(ctx, run.ID, protocol.RepoURL, protocol.CommitHash)
			if err != nil {
				return StepOutput{}, err
			}
			state.workdir = dir
			guard.Add("workspace", func() error { return r.cfg.Workspace.Remove(dir) })
			return StepOutput{Metadata: map[string]any{"commit": protocol.CommitHash}}, nil
		},
	}); err != nil {
		return nil, err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepCompile,
		Policy:  Hard,
		Timeout: 10 * time.Minute,
		Code:    CodeCompileFailed,
		Percent: 25,
		Action: func(ctx context.Context) (StepOutput, error) {
			byName, err := r.cfg.Compiler.Compile(ctx, state.workdir, protocol.ContractPath)
			if err != nil {
				return StepOutput{}, err
			}
			artifact, err := pickArtifact(byName, protocol.ContractName)
			if err != nil {
				return StepOutput{}, err
			}
			state.artifact = artifact

			if source, err := os.ReadFile(filepath.Join(state.workdir, protocol.ContractPath)); err == nil {
				state.source = string(source)
				if err := r.cfg.Workspace.CacheFile(protocol.ID, protocol.ContractPath, source); err != nil {
					r.log.Warnw("failed to cache contract source", "protocol_id", protocol.ID, "error", err)
				}
			}
			if key, err := r.cfg.Artifacts.PutContractArtifact(ctx, run.ID, artifact); err != nil {
				r.log.Warnw("failed to archive compiled artifact", "run_id", run.ID, "error", err)
			} else if key != "" {
				r.log.Debugw("archived compiled artifact", "run_id", run.ID, "key", key)
			}
			return StepOutput{Metadata: map[string]any{
				"contract":     artifact.ContractName,
				"bytecode_len": len(artifact.Bytecode),
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	deployOutcome, err := steps.Run(ctx, Step{
		Name:    StepDeploy,
		Policy:  Soft,
		Timeout: 5 * time.Minute,
		Code:    CodeDeployFailed,
		Percent: 40,
		Action: func(ctx context.Context) (StepOutput, error) {
			sb, err := r.cfg.Launcher.Spawn(ctx)
			if err != nil {
				return StepOutput{}, err
			}
			client := sandbox.NewClient(sb.URL())
			deployment, err := client.Deploy(ctx, state.artifact.Bytecode)
			if err != nil {
				// A sandbox without a deployment is dead weight, do
				// not carry it through the rest of the run.
				if killErr := sb.Kill(); killErr != nil {
					r.log.Errorw("failed to kill sandbox after deploy failure", "run_id", run.ID, "error", killErr)
				}
				return StepOutput{}, err
			}
			guard.Add("sandbox", func() error { return sb.Kill() })
			state.deployAddr = deployment.Address
			return StepOutput{Metadata: map[string]any{
				"address": deployment.Address,
				"tx_hash": deployment.TxHash,
			}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if deployOutcome.Failed {
		state.annotations = append(state.annotations, string(CodeDeployFailed))
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepAnalyze,
		Policy:  Hard,
		Timeout: 15 * time.Minute,
		Code:    CodeAnalysisFailed,
		Percent: 60,
		Action: func(ctx context.Context) (StepOutput, error) {
			report, err := r.cfg.Analyzer.Analyze(ctx, state.workdir)
			if err != nil {
				return StepOutput{}, err
			}
			state.findings = report.Findings
			state.tools = report.ToolsUsed
			return StepOutput{Metadata: map[string]any{
				"findings": len(report.Findings),
				"tools":    report.ToolsUsed,
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	aiOutcome, err := steps.Run(ctx, Step{
		Name:    StepAIDeepAnalysis,
		Policy:  Soft,
		Timeout: 10 * time.Minute,
		Code:    CodeAIAnalysisFailed,
		Percent: 70,
		Action: func(ctx context.Context) (StepOutput, error) {
			if !r.cfg.AIEnabled || r.cfg.LLM == nil {
				return StepOutput{Metadata: map[string]any{"aiEnhanced": false}}, nil
			}
			enhanced, err := r.cfg.LLM.EnhanceFindings(ctx, state.source, state.findings)
			if err != nil {
				return StepOutput{Metadata: map[string]any{"aiEnhanced": false}}, err
			}
			state.findings = enhanced
			state.aiEnhanced = true
			return StepOutput{Metadata: map[string]any{
				"aiEnhanced": true,
				"findings":   len(enhanced),
			}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if aiOutcome.Failed {
		state.annotations = append(state.annotations, string(CodeAIAnalysisFailed))
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepProofGeneration,
		Policy:  Hard,
		Timeout: 5 * time.Minute,
		Code:    CodeProofGenerationFailed,
		Percent: 85,
		Action: func(ctx context.Context) (StepOutput, error) {
			eligible := state.findings
			if r.cfg.Gate != nil {
				var gateErr error
				eligible, gateErr = r.cfg.Gate.EligibleFindings(ctx, state.findings)
				if gateErr != nil {
					return StepOutput{}, gateErr
				}
			}
			for _, f := range eligible {
				finding, proofRecord, err := r.persistFinding(ctx, run, protocol, f, state)
				if err != nil {
					return StepOutput{}, err
				}
				state.persisted = append(state.persisted, *finding)
				state.proofs = append(state.proofs, *proofRecord)
			}
			return StepOutput{Metadata: map[string]any{
				"candidates":     len(state.findings),
				"findings":       len(state.persisted),
				"proofs":         len(state.proofs),
				"deploymentUsed": state.deployAddr != "",
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepSubmit,
		Policy:  Hard,
		Timeout: 5 * time.Minute,
		Code:    CodeSubmissionFailed,
		Percent: 100,
		Action: func(ctx context.Context) (StepOutput, error) {
			for i := range state.proofs {
				p := &state.proofs[i]
				validationID, err := r.cfg.Submitter.SubmitProof(ctx, p.ID)
				if err != nil {
					return StepOutput{}, err
				}
				if _, err := r.store.Proof().Update(ctx, model.Proof{
					ID:     p.ID,
					Status: string(api.ProofStatusSubmitted),
				}); err != nil {
					return StepOutput{}, err
				}
				p.Status = string(api.ProofStatusSubmitted)
				metrics.IncreaseProofsTotalMetric(p.Status)
				r.emitter.ProofEvent(ctx, events.ProofEvent{
					ProofID:   p.ID.String(),
					FindingID: p.FindingID.String(),
					Status:    p.Status,
				})
				r.log.Infow("proof submitted for validation",
					"proof_id", p.ID, "validation_run_id", validationID)
			}
			return StepOutput{Metadata: map[string]any{
				"submitted": len(state.proofs),
				"proof_ids": funk.Map(state.proofs, func(p model.Proof) string { return p.ID.String() }),
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	return &Result{
		FindingsCount: len(state.persisted),
		Annotations:   state.annotations,
	}, nil
}

// persistFinding stores a finding and its sealed proof in one
// transaction. A finding row without a proof row cannot be validated,
// so neither lands alone. Events fire only after the commit.
func (r *Researcher) persistFinding(ctx context.Context, run *model.Run, protocol *model.Protocol, f analyzer.Finding, state *scanState) (*model.Finding, *model.Proof, error) {
	ctx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, nil, err
	}

	finding, err := r.store.Finding().Create(ctx, model.Finding{
		ID:                uuid.New(),
		RunID:             run.ID,
		ProtocolID:        protocol.ID,
		VulnerabilityType: f.VulnerabilityType,
		Severity:          string(f.Severity),
		FilePath:          f.FilePath,
		Line:              f.Line,
		Selector:          f.Selector,
		Description:       f.Description,
		ConfidenceScore:   f.Confidence,
		Status:            string(api.FindingStatusPending),
		Details: model.MakeJSONField(map[string]string{
			"detected_by": strings.Join(state.tools, ","),
			"ai_enhanced": strconv.FormatBool(state.aiEnhanced),
		}),
	})
	if err != nil {
		_, _ = store.Rollback(ctx)
		return nil, nil, err
	}

	record, err := r.generateProof(ctx, protocol, finding, f, state.deployAddr != "")
	if err != nil {
		_, _ = store.Rollback(ctx)
		return nil, nil, err
	}

	if _, err := store.Commit(ctx); err != nil {
		return nil, nil, err
	}

	metrics.IncreaseProofsTotalMetric(record.Status)
	r.emitter.FindingEvent(ctx, events.FindingEvent{
		FindingID:         finding.ID.String(),
		RunID:             run.ID.String(),
		ProtocolID:        protocol.ID.String(),
		VulnerabilityType: finding.VulnerabilityType,
		Severity:          finding.Severity,
		ConfidenceScore:   finding.ConfidenceScore,
		Status:            finding.Status,
	})
	r.emitter.ProofEvent(ctx, events.ProofEvent{
		ProofID:   record.ID.String(),
		FindingID: finding.ID.String(),
		Status:    record.Status,
	})
	return finding, record, nil
}

func (r *Researcher) generateProof(ctx context.Context, protocol *model.Protocol, finding *model.Finding, raw analyzer.Finding, deploymentUsed bool) (*model.Proof, error) {
	reproduction, expected := buildReproduction(raw)
	payload := &proof.Payload{
		Version:           proof.PayloadVersion,
		FindingID:         finding.ID.String(),
		ProtocolID:        protocol.ID.String(),
		VulnerabilityType: finding.VulnerabilityType,
		Narrative:         finding.Description,
		Steps:             reproduction,
		Expected:          expected,
		DeploymentUsed:    deploymentUsed,
	}
	plaintext, err := proof.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	sealed, err := proof.Encrypt(plaintext, r.cfg.Recipients)
	if err != nil {
		return nil, err
	}
	signature := ""
	if len(r.cfg.SigningKey) != 0 {
		signature = proof.Sign(r.cfg.SigningKey, sealed)
	}
	record, err := r.store.Proof().Create(ctx, model.Proof{
		ID:          uuid.New(),
		FindingID:   finding.ID,
		Payload:     sealed,
		PayloadHash: proof.Hash(sealed),
		Signature:   signature,
		Status:      string(api.ProofStatusCreated),
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// pickArtifact selects the protocol's contract from the compiler
// output. An unset contract name is accepted only when the output is
// unambiguous.
func pickArtifact(byName map[string]compiler.Artifact, name string) (compiler.Artifact, error) {
	if a, ok := byName[name]; ok {
		return a, nil
	}
	if name == "" && len(byName) == 1 {
		for _, a := range byName {
			return a, nil
		}
	}
	names := funk.Keys(byName).([]string)
	sort.Strings(names)
	return compiler.Artifact{}, errors.Errorf("contract %q not found in compiler output (have: %s)", name, strings.Join(names, ", "))
}

// buildReproduction synthesizes replayable steps from a finding: fund
// the contract, then call the flagged selector from the attacker
// account. Drain-style findings expect the attacker balance to grow,
// everything else expects the call to revert once the contract guards
// correctly.
func buildReproduction(f analyzer.Finding) ([]proof.ReproductionStep, proof.ExpectedOutcome) {
	data := ""
	if f.Selector != "" {
		data = selectorData(f.Selector)
	}
	steps := []proof.ReproductionStep{
		{To: proof.ContractPlaceholder, Value: oneEtherHex},
		{To: proof.ContractPlaceholder, Data: data},
	}
	if isDrainVulnerability(f) {
		return steps, proof.ExpectedOutcome{
			Check:  proof.CheckBalanceIncrease,
			Target: proof.AttackerPlaceholder,
		}
	}
	return steps, proof.ExpectedOutcome{Check: proof.CheckCallReverts}
}

func isDrainVulnerability(f analyzer.Finding) bool {
	if strings.Contains(f.VulnerabilityType, "reentrancy") {
		return true
	}
	return f.Severity == api.FindingSeverityCritical || f.Severity == api.FindingSeverityHigh
}

// selectorData is the 4-byte keccak selector of a function signature,
// hex-encoded as calldata.
func selectorData(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil)[:4])
}
