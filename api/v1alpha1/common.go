package v1alpha1

// StringToWorkerStatus maps a stored status string to its typed value.
// Anything unrecognized counts as OFFLINE, which keeps unknown rows out
// of scheduling and out of the status gauges.
func StringToWorkerStatus(s string) WorkerStatus {
	switch s {
	case string(WorkerStatusOnline):
		return WorkerStatusOnline
	case string(WorkerStatusBusy):
		return WorkerStatusBusy
	case string(WorkerStatusError):
		return WorkerStatusError
	case string(WorkerStatusOffline):
		return WorkerStatusOffline
	default:
		return WorkerStatusOffline
	}
}

// StringToProofStatus maps a stored status string to its typed value.
// Anything unrecognized counts as CREATED, the earliest state.
func StringToProofStatus(s string) ProofStatus {
	switch s {
	case string(ProofStatusCreated):
		return ProofStatusCreated
	case string(ProofStatusSubmitted):
		return ProofStatusSubmitted
	case string(ProofStatusValidating):
		return ProofStatusValidating
	case string(ProofStatusValidated):
		return ProofStatusValidated
	case string(ProofStatusRejected):
		return ProofStatusRejected
	default:
		return ProofStatusCreated
	}
}
