package metrics

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds used to produce report recommendations.
const (
	lowSuccessRate  = 0.9
	slowAPILatency  = 10 * time.Second
	slowRunDuration = 5 * time.Minute
)

// PerformanceReport is a point-in-time summary of the recorder.
type PerformanceReport struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Runs            RunStats       `json:"runs"`
	APIs            []APIStats     `json:"apis"`
	Detection       DetectionStats `json:"detection"`
	RecentRuns      []RunRecord    `json:"recent_runs"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// Report builds a PerformanceReport with the five most recent runs.
func (r *Recorder) Report() PerformanceReport {
	r.mu.RLock()
	now := r.now()
	r.mu.RUnlock()

	rep := PerformanceReport{
		GeneratedAt: now,
		Runs:        r.RunStats(),
		APIs:        r.AllAPIStats(),
		Detection:   r.DetectionStats(),
		RecentRuns:  r.LastRuns(5),
	}

	if rep.Runs.Runs > 0 && rep.Runs.SuccessRate < lowSuccessRate {
		rep.Recommendations = append(rep.Recommendations,
			fmt.Sprintf("run success rate is %.1f%%; check analysis provider errors", rep.Runs.SuccessRate*100))
	}
	if rep.Runs.AverageTotalTime > slowRunDuration {
		rep.Recommendations = append(rep.Recommendations,
			fmt.Sprintf("average run takes %s; consider lowering max turns per batch", rep.Runs.AverageTotalTime.Round(time.Second)))
	}
	for _, api := range rep.APIs {
		if api.SuccessRate < lowSuccessRate {
			rep.Recommendations = append(rep.Recommendations,
				fmt.Sprintf("%s success rate is %.1f%%; consider a stricter retry policy or a fallback provider", api.API, api.SuccessRate*100))
		}
		if api.AverageLatency > slowAPILatency {
			rep.Recommendations = append(rep.Recommendations,
				fmt.Sprintf("%s average latency is %s", api.API, api.AverageLatency.Round(time.Millisecond)))
		}
	}
	return rep
}

// String renders the report as plain text.
func (p PerformanceReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PERFORMANCE REPORT - %s\n\n", p.GeneratedAt.Format(time.RFC3339))

	b.WriteString("RUNS:\n")
	fmt.Fprintf(&b, "- runs recorded: %d\n", p.Runs.Runs)
	fmt.Fprintf(&b, "- total memories: %d\n", p.Runs.TotalMemories)
	fmt.Fprintf(&b, "- memories per run: %.2f\n", p.Runs.AverageMemoriesPerRun)
	fmt.Fprintf(&b, "- average run time: %s\n", p.Runs.AverageTotalTime.Round(time.Millisecond))
	fmt.Fprintf(&b, "- average batch time: %s\n", p.Runs.AverageBatchTime.Round(time.Millisecond))
	fmt.Fprintf(&b, "- success rate: %.1f%%\n\n", p.Runs.SuccessRate*100)

	b.WriteString("APIS:\n")
	for _, api := range p.APIs {
		fmt.Fprintf(&b, "- %s: %d calls, %.1f%% success, %s average, %s p95\n",
			strings.ToUpper(api.API), api.Calls, api.SuccessRate*100,
			api.AverageLatency.Round(time.Millisecond), api.P95Latency.Round(time.Millisecond))
	}

	b.WriteString("\nDETECTION:\n")
	fmt.Fprintf(&b, "- evaluations: %d, ended: %d, average latency: %s\n",
		p.Detection.Evaluations, p.Detection.Ended, p.Detection.AverageLatency.Round(time.Microsecond))

	b.WriteString("\nRECENT RUNS:\n")
	for _, run := range p.RecentRuns {
		status := "ok"
		if !run.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "- [%s] %s/%s: %d memories in %s\n",
			status, run.UserID, run.PersonaID, run.MemoriesExtracted, run.TotalTime.Round(time.Millisecond))
	}

	if len(p.Recommendations) > 0 {
		b.WriteString("\nRECOMMENDATIONS:\n")
		for _, rec := range p.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	return b.String()
}
