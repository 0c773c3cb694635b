package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies why a step or run failed. Codes are stable
// strings persisted on Run and Step records and exported in events.
type ErrorCode string

const (
	CodeCloneFailed           ErrorCode = "CLONE_FAILED"
	CodeCompileFailed         ErrorCode = "COMPILE_FAILED"
	CodeDeployFailed          ErrorCode = "DEPLOY_FAILED"
	CodeAnalysisFailed        ErrorCode = "ANALYSIS_FAILED"
	CodeAIAnalysisFailed      ErrorCode = "AI_ANALYSIS_FAILED"
	CodeProofGenerationFailed ErrorCode = "PROOF_GENERATION_FAILED"
	CodeSubmissionFailed      ErrorCode = "SUBMISSION_FAILED"
	CodeDecryptFailed         ErrorCode = "DECRYPT_FAILED"
	CodeFetchFailed           ErrorCode = "FETCH_FAILED"
	CodeSandboxFailed         ErrorCode = "SANDBOX_FAILED"
	CodeExecutionFailed       ErrorCode = "EXECUTION_FAILED"
	CodeLLMAnalysisFailed     ErrorCode = "LLM_ANALYSIS_FAILED"
	CodeUpdateFailed          ErrorCode = "UPDATE_FAILED"
	CodeRecordOnChainFailed   ErrorCode = "RECORD_ONCHAIN_FAILED"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeCanceled              ErrorCode = "CANCELED"
	CodeNoAvailableWorker     ErrorCode = "NO_AVAILABLE_WORKER"
	CodeWorkerRestart         ErrorCode = "WORKER_RESTART"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// StepError carries the failing step and its classification up to the
// dispatch layer.
type StepError struct {
	Step string
	Code ErrorCode
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %s failed with %s", e.Step, e.Code)
	}
	return fmt.Sprintf("step %s failed with %s: %v", e.Step, e.Code, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CodeOf maps any pipeline error to its code. Deadline errors that
// escaped step classification map to TIMEOUT, everything else that is
// not a StepError maps to UNKNOWN.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	stepErr := &StepError{}
	if errors.As(err, &stepErr) {
		return stepErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}
