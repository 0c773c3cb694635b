package model

// RunStats aggregates run records for the metrics endpoint.
type RunStats struct {
	// Total is the total number of runs
	Total int
	// Total number of runs by lifecycle status
	TotalByStatus map[string]int
	// Total number of runs by kind (scan, validation)
	TotalByKind map[string]int
}

type WorkerStats struct {
	Total         int
	TotalByStatus map[string]int
}

type Statistics struct {
	Runs          RunStats
	Workers       WorkerStats
	TotalFindings int
}

func NewStatistics(runs RunList, workers WorkerList) Statistics {
	return Statistics{
		Runs:          computeRunStats(runs),
		Workers:       computeWorkerStats(workers),
		TotalFindings: computeFindingsTotal(runs),
	}
}

func computeRunStats(runs RunList) RunStats {
	byStatus := make(map[string]int)
	byKind := make(map[string]int)

	for _, r := range runs {
		byStatus[r.Status]++
		byKind[r.Kind]++
	}

	return RunStats{
		Total:         len(runs),
		TotalByStatus: byStatus,
		TotalByKind:   byKind,
	}
}

func computeWorkerStats(workers WorkerList) WorkerStats {
	byStatus := make(map[string]int)

	for _, w := range workers {
		byStatus[w.Status]++
	}

	return WorkerStats{
		Total:         len(workers),
		TotalByStatus: byStatus,
	}
}

func computeFindingsTotal(runs RunList) int {
	total := 0
	for _, r := range runs {
		total += r.FindingsCount
	}
	return total
}
