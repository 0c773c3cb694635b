package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/artifacts"
	"github.com/chainproof/chainproof/internal/chain"
	"github.com/chainproof/chainproof/internal/compiler"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/llm"
	"github.com/chainproof/chainproof/internal/proof"
	"github.com/chainproof/chainproof/internal/sandbox"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/chainproof/chainproof/pkg/metrics"
)

// Validation pipeline step names. CLONE_REPO, COMPILE and DEPLOY
// mirror the scan pipeline; the rest are validation-specific.
const (
	StepDecryptProof   = "DECRYPT_PROOF"
	StepFetchDetails   = "FETCH_DETAILS"
	StepCloneRepo      = "CLONE_REPO"
	StepSpawnSandbox   = "SPAWN_SANDBOX"
	StepExecuteExploit = "EXECUTE_EXPLOIT"
	StepReadContract   = "READ_CONTRACT"
	StepLLMAnalysis    = "LLM_ANALYSIS"
	StepUpdateResult   = "UPDATE_RESULT"
	StepRecordOnChain  = "RECORD_ONCHAIN"
)

// ValidatorConfig wires the validation pipeline's collaborators.
// Identity is the age key proofs are sealed to, Wallet the address
// reputation feedback is sent from.
type ValidatorConfig struct {
	Workspace Workspace
	Compiler  Compiler
	Launcher  SandboxLauncher
	LLM       LLMClient
	Chain     ChainClient
	Artifacts *artifacts.Store
	Identity  string
	Wallet    string
	Mode      ValidationMode
}

// Validator executes validation runs: decrypt the proof, resolve its
// finding and protocol, then check it either by replaying the exploit
// in a fresh sandbox or by asking the model service for a verdict, and
// record the outcome off-chain and on-chain.
type Validator struct {
	store    store.Store
	emitter  Emitter
	executor *Executor
	cfg      ValidatorConfig
	log      *zap.SugaredLogger
}

func NewValidator(s store.Store, emitter Emitter, cfg ValidatorConfig) *Validator {
	if cfg.Mode == "" {
		cfg.Mode = ValidationModeExecution
	}
	return &Validator{
		store:    s,
		emitter:  emitter,
		executor: NewExecutor(s, emitter),
		cfg:      cfg,
		log:      zap.S().Named("validator"),
	}
}

// validationState is the in-memory context threaded through one
// validation run. Never persisted.
type validationState struct {
	proofRecord    *model.Proof
	payload        *proof.Payload
	finding        *model.Finding
	protocol       *model.Protocol
	workdir        string
	artifact       compiler.Artifact
	client         *sandbox.Client
	deployment     *sandbox.Deployment
	contractSource string
	validated      bool
	settled        bool
	executionLog   string
	annotations    []string
}

// Run executes the validation pipeline for a claimed run, whose
// subject is the proof under test. A hard failure leaves the finding
// and proof REJECTED: a proof whose validation cannot complete must
// not linger in VALIDATING.
func (v *Validator) Run(ctx context.Context, run *model.Run) (*Result, error) {
	state := &validationState{}
	guard := NewGuard()
	defer guard.Release()

	result, err := v.execute(ctx, run, state, guard)
	if err != nil {
		v.rejectAfterFailure(ctx, run, state)
		return nil, err
	}
	return result, nil
}

func (v *Validator) execute(ctx context.Context, run *model.Run, state *validationState, guard *Guard) (*Result, error) {
	steps := v.executor.sequenceFor(run)

	if _, err := steps.Run(ctx, Step{
		Name:    StepDecryptProof,
		Policy:  Hard,
		Timeout: time.Minute,
		Code:    CodeDecryptFailed,
		Percent: 10,
		Action: func(ctx context.Context) (StepOutput, error) {
			record, err := v.store.Proof().Get(ctx, run.SubjectID)
			if err != nil {
				return StepOutput{}, err
			}
			switch api.StringToProofStatus(record.Status) {
			case api.ProofStatusValidated, api.ProofStatusRejected:
				// A settled proof keeps its verdict, replayed jobs must
				// not flip a decided validation.
				state.settled = true
				return StepOutput{}, errors.Errorf("proof %s is already %s", record.ID, record.Status)
			}
			state.proofRecord = record
			if got := proof.Hash(record.Payload); got != record.PayloadHash {
				return StepOutput{}, errors.Errorf("payload hash mismatch: stored %s, computed %s", record.PayloadHash, got)
			}
			plaintext, err := proof.Decrypt(record.Payload, v.cfg.Identity)
			if err != nil {
				return StepOutput{}, err
			}
			payload, err := proof.DecodePayload(plaintext)
			if err != nil {
				return StepOutput{}, err
			}
			state.payload = payload

			if _, err := v.store.Proof().Update(ctx, model.Proof{
				ID:     record.ID,
				Status: string(api.ProofStatusValidating),
			}); err != nil {
				return StepOutput{}, err
			}
			state.proofRecord.Status = string(api.ProofStatusValidating)
			v.emitter.ProofEvent(ctx, events.ProofEvent{
				ProofID:   record.ID.String(),
				FindingID: record.FindingID.String(),
				Status:    state.proofRecord.Status,
			})
			return StepOutput{Metadata: map[string]any{
				"vulnerability_type": payload.VulnerabilityType,
				"steps":              len(payload.Steps),
				"deployment_used":    payload.DeploymentUsed,
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepFetchDetails,
		Policy:  Hard,
		Timeout: time.Minute,
		Code:    CodeFetchFailed,
		Percent: 20,
		Action: func(ctx context.Context) (StepOutput, error) {
			finding, err := v.store.Finding().Get(ctx, state.proofRecord.FindingID)
			if err != nil {
				return StepOutput{}, err
			}
			if finding.ID.String() != state.payload.FindingID {
				return StepOutput{}, errors.Errorf("proof payload references finding %s, record points at %s", state.payload.FindingID, finding.ID)
			}
			protocol, err := v.store.Protocol().Get(ctx, finding.ProtocolID)
			if err != nil {
				return StepOutput{}, err
			}
			state.finding = finding
			state.protocol = protocol
			return StepOutput{Metadata: map[string]any{
				"protocol":   protocol.Name,
				"finding_id": finding.ID.String(),
			}}, nil
		},
	}); err != nil {
		return nil, err
	}

	if v.cfg.Mode == ValidationModeLLM {
		if err := v.runLLMChecks(ctx, state, steps); err != nil {
			return nil, err
		}
	} else {
		if err := v.runExecutionChecks(ctx, run, state, steps, guard); err != nil {
			return nil, err
		}
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepUpdateResult,
		Policy:  Hard,
		Timeout: time.Minute,
		Code:    CodeUpdateFailed,
		Percent: 85,
		Action: func(ctx context.Context) (StepOutput, error) {
			findingStatus := string(api.FindingStatusRejected)
			proofStatus := string(api.ProofStatusRejected)
			if state.validated {
				findingStatus = string(api.FindingStatusValidated)
				proofStatus = string(api.ProofStatusValidated)
			}
			if _, err := v.store.Finding().Update(ctx, model.Finding{
				ID:     state.finding.ID,
				Status: findingStatus,
			}); err != nil {
				return StepOutput{}, err
			}
			if _, err := v.store.Proof().Update(ctx, model.Proof{
				ID:     state.proofRecord.ID,
				Status: proofStatus,
			}); err != nil {
				return StepOutput{}, err
			}
			state.finding.Status = findingStatus
			state.proofRecord.Status = proofStatus
			metrics.IncreaseProofsTotalMetric(proofStatus)
			v.emitter.FindingEvent(ctx, events.FindingEvent{
				FindingID:         state.finding.ID.String(),
				RunID:             run.ID.String(),
				ProtocolID:        state.protocol.ID.String(),
				VulnerabilityType: state.finding.VulnerabilityType,
				Severity:          state.finding.Severity,
				ConfidenceScore:   state.finding.ConfidenceScore,
				Status:            findingStatus,
			})
			v.emitter.ProofEvent(ctx, events.ProofEvent{
				ProofID:   state.proofRecord.ID.String(),
				FindingID: state.finding.ID.String(),
				Status:    proofStatus,
			})
			return StepOutput{Metadata: map[string]any{"validated": state.validated}}, nil
		},
	}); err != nil {
		return nil, err
	}

	recordOutcome, err := steps.Run(ctx, Step{
		Name:    StepRecordOnChain,
		Policy:  Soft,
		Timeout: 5 * time.Minute,
		Code:    CodeRecordOnChainFailed,
		Percent: 100,
		Action:  v.recordOnChainAction(run, state),
	})
	if err != nil {
		return nil, err
	}
	if recordOutcome.Failed {
		state.annotations = append(state.annotations, string(CodeRecordOnChainFailed))
	}

	return &Result{Annotations: state.annotations}, nil
}

// runExecutionChecks replays the proof against a freshly deployed
// contract in an isolated sandbox.
func (v *Validator) runExecutionChecks(ctx context.Context, run *model.Run, state *validationState, steps *sequence, guard *Guard) error {
	if _, err := steps.Run(ctx, Step{
		Name:    StepCloneRepo,
		Policy:  Hard,
		Timeout: 5 * time.Minute,
		Code:    CodeCloneFailed,
		Percent: 30,
		Action: func(ctx context.Context) (StepOutput, error) {
			dir, err := v.cfg.Workspace.Clone(ctx, run.ID, state.protocol.RepoURL, state.protocol.CommitHash)
			if err != nil {
				return StepOutput{}, err
			}
			state.workdir = dir
			guard.Add("workspace", func() error { return v.cfg.Workspace.Remove(dir) })
			return StepOutput{Metadata: map[string]any{"commit": state.protocol.CommitHash}}, nil
		},
	}); err != nil {
		return err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepCompile,
		Policy:  Hard,
		Timeout: 10 * time.Minute,
		Code:    CodeCompileFailed,
		Percent: 40,
		Action: func(ctx context.Context) (StepOutput, error) {
			byName, err := v.cfg.Compiler.Compile(ctx, state.workdir, state.protocol.ContractPath)
			if err != nil {
				return StepOutput{}, err
			}
			artifact, err := pickArtifact(byName, state.protocol.ContractName)
			if err != nil {
				return StepOutput{}, err
			}
			state.artifact = artifact
			return StepOutput{Metadata: map[string]any{
				"contract":     artifact.ContractName,
				"bytecode_len": len(artifact.Bytecode),
			}}, nil
		},
	}); err != nil {
		return err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepSpawnSandbox,
		Policy:  Hard,
		Timeout: 2 * time.Minute,
		Code:    CodeSandboxFailed,
		Percent: 50,
		Action: func(ctx context.Context) (StepOutput, error) {
			sb, err := v.cfg.Launcher.Spawn(ctx)
			if err != nil {
				return StepOutput{}, err
			}
			guard.Add("sandbox", func() error { return sb.Kill() })
			state.client = sandbox.NewClient(sb.URL())
			return StepOutput{Metadata: map[string]any{"rpc_url": sb.URL()}}, nil
		},
	}); err != nil {
		return err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepDeploy,
		Policy:  Hard,
		Timeout: 5 * time.Minute,
		Code:    CodeDeployFailed,
		Percent: 60,
		Action: func(ctx context.Context) (StepOutput, error) {
			deployment, err := state.client.Deploy(ctx, state.artifact.Bytecode)
			if err != nil {
				return StepOutput{}, err
			}
			state.deployment = deployment
			return StepOutput{Metadata: map[string]any{
				"address": deployment.Address,
				"tx_hash": deployment.TxHash,
			}}, nil
		},
	}); err != nil {
		return err
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepExecuteExploit,
		Policy:  Hard,
		Timeout: 10 * time.Minute,
		Code:    CodeExecutionFailed,
		Percent: 75,
		Action: func(ctx context.Context) (StepOutput, error) {
			validated, report, err := v.replayExploit(ctx, state.client, state.payload, state.deployment)
			state.executionLog = report
			if err != nil {
				return StepOutput{Metadata: map[string]any{"execution_log": report}}, err
			}
			state.validated = validated

			logKey := ""
			if key, archiveErr := v.cfg.Artifacts.PutExecutionLog(ctx, run.ID, report); archiveErr != nil {
				v.log.Warnw("failed to archive execution log", "run_id", run.ID, "error", archiveErr)
			} else {
				logKey = key
			}
			return StepOutput{Metadata: map[string]any{
				"validated": validated,
				"log_key":   logKey,
			}}, nil
		},
	}); err != nil {
		return err
	}
	return nil
}

// runLLMChecks asks the model service for a verdict instead of
// executing anything. READ_CONTRACT is soft: without cached source
// the analysis proceeds on the proof's own narrative.
func (v *Validator) runLLMChecks(ctx context.Context, state *validationState, steps *sequence) error {
	readOutcome, err := steps.Run(ctx, Step{
		Name:    StepReadContract,
		Policy:  Soft,
		Timeout: time.Minute,
		Code:    CodeFetchFailed,
		Percent: 40,
		Action: func(ctx context.Context) (StepOutput, error) {
			if state.protocol.ContractPath == "" {
				return StepOutput{}, errors.New("protocol has no contract path")
			}
			data, err := v.cfg.Workspace.ReadCachedFile(state.protocol.ID, state.protocol.ContractPath)
			if err != nil {
				return StepOutput{}, err
			}
			state.contractSource = string(data)
			return StepOutput{Metadata: map[string]any{"bytes": len(data)}}, nil
		},
	})
	if err != nil {
		return err
	}
	if readOutcome.Failed {
		state.annotations = append(state.annotations, string(CodeFetchFailed))
	}

	if _, err := steps.Run(ctx, Step{
		Name:    StepLLMAnalysis,
		Policy:  Hard,
		Timeout: 10 * time.Minute,
		Code:    CodeLLMAnalysisFailed,
		Percent: 60,
		Action: func(ctx context.Context) (StepOutput, error) {
			contractCode := state.contractSource
			if contractCode == "" {
				contractCode = fmt.Sprintf("// source unavailable\n// protocol: %s\n// contract: %s\n",
					state.protocol.Name, state.protocol.ContractName)
			}
			verdict, err := v.cfg.LLM.AnalyzeProof(ctx, llm.ProofAnalysis{
				VulnerabilityType:  state.payload.VulnerabilityType,
				ProofDetails:       state.payload.Narrative,
				ContractCode:       contractCode,
				FindingDescription: state.finding.Description,
			})
			if err != nil {
				return StepOutput{}, err
			}
			state.validated = verdict.IsValid
			state.executionLog = verdict.Reasoning
			return StepOutput{Metadata: map[string]any{
				"validated":      verdict.IsValid,
				"confidence":     verdict.Confidence,
				"severity":       verdict.Severity,
				"exploitability": verdict.Exploitability,
			}}, nil
		},
	}); err != nil {
		return err
	}
	return nil
}

func (v *Validator) recordOnChainAction(run *model.Run, state *validationState) func(ctx context.Context) (StepOutput, error) {
	return func(ctx context.Context) (StepOutput, error) {
		if v.cfg.Chain == nil {
			return StepOutput{Metadata: map[string]any{"recorded": false}}, nil
		}
		outcome := string(api.ProofStatusRejected)
		if state.validated {
			outcome = string(api.ProofStatusValidated)
		}
		receipt, err := v.cfg.Chain.RecordValidation(ctx, chain.ValidationRecord{
			ProtocolRef:       state.protocol.ID.String(),
			FindingRef:        state.finding.ID.String(),
			VulnerabilityType: state.finding.VulnerabilityType,
			Severity:          state.finding.Severity,
			Outcome:           outcome,
			ExecutionLog:      state.executionLog,
			ProofHash:         state.proofRecord.PayloadHash,
		})
		if err != nil {
			return StepOutput{}, err
		}
		if _, err := v.store.Proof().Update(ctx, model.Proof{
			ID:                  state.proofRecord.ID,
			OnChainValidationID: receipt.ValidationID,
			OnChainTxHash:       receipt.TxHash,
		}); err != nil {
			return StepOutput{}, err
		}
		v.emitter.ProofEvent(ctx, events.ProofEvent{
			ProofID:       state.proofRecord.ID.String(),
			FindingID:     state.finding.ID.String(),
			Status:        state.proofRecord.Status,
			OnChainTxHash: receipt.TxHash,
		})

		// Feedback errors never fail the step, the attestation is
		// already recorded.
		feedbackRecorded := false
		if state.validated && v.cfg.Wallet != "" && state.protocol.WalletAddress != "" {
			feedback := chain.Feedback{
				FromWallet:   v.cfg.Wallet,
				ToWallet:     state.protocol.WalletAddress,
				ValidationID: receipt.ValidationID,
				FindingID:    state.finding.ID.String(),
				FeedbackType: "vulnerability_confirmed",
			}
			if err := v.cfg.Chain.RecordFeedback(ctx, feedback); err != nil {
				v.log.Warnw("failed to record reputation feedback",
					"run_id", run.ID, "finding_id", state.finding.ID, "error", err)
			} else {
				feedbackRecorded = true
			}
		}
		return StepOutput{Metadata: map[string]any{
			"validation_id": receipt.ValidationID,
			"tx_hash":       receipt.TxHash,
			"feedback":      feedbackRecorded,
		}}, nil
	}
}

// replayExploit replays the payload's reproduction steps against the
// fresh deployment and judges the declared expected outcome. A proof
// failing its own expectation is a verdict, not an error.
func (v *Validator) replayExploit(ctx context.Context, client *sandbox.Client, payload *proof.Payload, deployment *sandbox.Deployment) (bool, string, error) {
	var report strings.Builder

	accounts, err := client.Accounts(ctx)
	if err != nil {
		return false, report.String(), err
	}
	if len(accounts) == 0 {
		return false, report.String(), errors.New("sandbox exposes no accounts")
	}
	attacker := accounts[0]
	if len(accounts) > 1 {
		attacker = accounts[1]
	}
	resolve := func(ref string) string {
		switch ref {
		case proof.ContractPlaceholder:
			return deployment.Address
		case proof.AttackerPlaceholder:
			return attacker
		}
		return ref
	}
	fmt.Fprintf(&report, "contract %s, attacker %s\n", deployment.Address, attacker)

	balanceTarget := ""
	preBalance := new(big.Int)
	if payload.Expected.Check == proof.CheckBalanceIncrease {
		balanceTarget = resolve(payload.Expected.Target)
		if balanceTarget == "" {
			balanceTarget = attacker
		}
		pre, err := client.GetBalance(ctx, balanceTarget)
		if err != nil {
			return false, report.String(), err
		}
		preBalance = hexToBig(pre)
		fmt.Fprintf(&report, "balance of %s before replay: %s\n", balanceTarget, preBalance)
	}

	var lastReceipt *sandbox.Receipt
	for i, step := range payload.Steps {
		to := resolve(step.To)
		hash, err := client.SendTransaction(ctx, sandbox.Transaction{
			From:  attacker,
			To:    to,
			Data:  step.Data,
			Value: step.Value,
		})
		if err != nil {
			// Nodes may refuse a reverting transaction at submission;
			// on the final step that refusal is the revert the proof
			// declared.
			if payload.Expected.Check == proof.CheckCallReverts && i == len(payload.Steps)-1 {
				fmt.Fprintf(&report, "step %d rejected by node: %v\n", i+1, err)
				return true, report.String(), nil
			}
			return false, report.String(), errors.Wrapf(err, "replay step %d", i+1)
		}
		receipt, err := client.WaitForReceipt(ctx, hash)
		if err != nil {
			return false, report.String(), errors.Wrapf(err, "replay step %d receipt", i+1)
		}
		lastReceipt = receipt
		fmt.Fprintf(&report, "step %d: to=%s tx=%s status=%s\n", i+1, to, hash, receipt.Status)
	}

	switch payload.Expected.Check {
	case proof.CheckCallReverts:
		validated := lastReceipt != nil && lastReceipt.Status != "0x1"
		fmt.Fprintf(&report, "final call reverted: %v\n", validated)
		return validated, report.String(), nil
	case proof.CheckBalanceIncrease:
		post, err := client.GetBalance(ctx, balanceTarget)
		if err != nil {
			return false, report.String(), err
		}
		postBalance := hexToBig(post)
		validated := postBalance.Cmp(preBalance) > 0
		fmt.Fprintf(&report, "balance of %s after replay: %s (increased: %v)\n", balanceTarget, postBalance, validated)
		return validated, report.String(), nil
	}
	return false, report.String(), errors.Errorf("unknown expected outcome check %q", payload.Expected.Check)
}

// rejectAfterFailure finalizes the proof and finding as REJECTED when
// the pipeline aborts. The run context may already be canceled, the
// status writes happen regardless.
func (v *Validator) rejectAfterFailure(ctx context.Context, run *model.Run, state *validationState) {
	if state.settled {
		return
	}
	ctx = context.WithoutCancel(ctx)

	proofID := run.SubjectID
	findingID := ""
	if state.proofRecord != nil {
		proofID = state.proofRecord.ID
		findingID = state.proofRecord.FindingID.String()
	}
	if _, err := v.store.Proof().Update(ctx, model.Proof{
		ID:     proofID,
		Status: string(api.ProofStatusRejected),
	}); err != nil {
		v.log.Errorw("failed to reject proof after pipeline failure", "proof_id", proofID, "error", err)
	} else {
		metrics.IncreaseProofsTotalMetric(string(api.ProofStatusRejected))
		v.emitter.ProofEvent(ctx, events.ProofEvent{
			ProofID:   proofID.String(),
			FindingID: findingID,
			Status:    string(api.ProofStatusRejected),
		})
	}

	finding := state.finding
	if finding == nil && state.proofRecord != nil {
		loaded, err := v.store.Finding().Get(ctx, state.proofRecord.FindingID)
		if err != nil {
			v.log.Errorw("failed to load finding for rejection", "finding_id", state.proofRecord.FindingID, "error", err)
			return
		}
		finding = loaded
	}
	if finding == nil {
		return
	}
	if _, err := v.store.Finding().Update(ctx, model.Finding{
		ID:     finding.ID,
		Status: string(api.FindingStatusRejected),
	}); err != nil {
		v.log.Errorw("failed to reject finding after pipeline failure", "finding_id", finding.ID, "error", err)
		return
	}
	v.emitter.FindingEvent(ctx, events.FindingEvent{
		FindingID:         finding.ID.String(),
		RunID:             run.ID.String(),
		ProtocolID:        finding.ProtocolID.String(),
		VulnerabilityType: finding.VulnerabilityType,
		Severity:          finding.Severity,
		ConfidenceScore:   finding.ConfidenceScore,
		Status:            string(api.FindingStatusRejected),
	})
}

func hexToBig(s string) *big.Int {
	n := new(big.Int)
	n.SetString(strings.TrimPrefix(s, "0x"), 16)
	return n
}
