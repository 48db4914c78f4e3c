package domain

import (
	m "gooze.dev/pkg/mutexec/internal/model"
	pkg "gooze.dev/pkg/mutexec/pkg"
)

func mutationScoreFromResults(results pkg.FileSpill[m.MutationResult]) (float64, error) {
	summary, err := summarizeResults(results)
	if err != nil {
		return 0.0, err
	}

	return summary.Score, nil
}

// summarizeResults counts statuses and computes the score. NON_VIABLE and
// RUN_ERROR entries are excluded from the score denominator.
func summarizeResults(results pkg.FileSpill[m.MutationResult]) (m.RunSummary, error) {
	detected := 0
	total := 0

	summary := m.RunSummary{Counts: map[string]int{}}

	err := results.Range(func(_ uint64, result m.MutationResult) error {
		status := result.Record.Status

		summary.Total++
		summary.Counts[status.String()]++

		switch {
		case status.IsDetected():
			detected++
			total++
		case status == m.Survived, status == m.NoCoverage:
			total++
		}

		return nil
	})
	if err != nil {
		return m.RunSummary{}, err
	}

	if total == 0 {
		summary.Score = 1.0
		return summary, nil
	}

	summary.Score = float64(detected) / float64(total)

	return summary, nil
}
