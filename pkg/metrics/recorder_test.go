package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/metrics"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRecorder(capacity int) (*metrics.Recorder, *clock) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := metrics.NewRecorder(capacity)
	r.SetClock(c.now)
	return r, c
}

func TestRing(t *testing.T) {
	r := metrics.NewRing[int](3)
	assert.Equal(t, 3, r.Cap())
	assert.Empty(t, r.Items())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Items())

	r.Push(3)
	r.Push(4)
	r.Push(5)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, []int{5, 4}, r.Last(2))
	assert.Equal(t, []int{5, 4, 3}, r.Last(0))
	assert.Equal(t, []int{5, 4, 3}, r.Last(10))

	r.Filter(func(v int) bool { return v != 4 })
	assert.Equal(t, []int{3, 5}, r.Items())

	r.Reset()
	assert.Equal(t, 0, r.Len())

	assert.Equal(t, 1, metrics.NewRing[string](0).Cap())
}

func TestRecorderCapacity(t *testing.T) {
	assert.Equal(t, metrics.DefaultCapacity, metrics.NewRecorder(0).Capacity())

	r, _ := newRecorder(3)
	for i := 0; i < 5; i++ {
		r.RecordRun(metrics.RunRecord{RunID: string(rune('a' + i)), Success: true})
	}
	runs := r.LastRuns(10)
	require.Len(t, runs, 3)
	assert.Equal(t, "e", runs[0].RunID)
	assert.Equal(t, "c", runs[2].RunID)
	assert.Equal(t, 3, r.RunStats().Runs)
}

func TestRunStats(t *testing.T) {
	r, c := newRecorder(10)
	assert.Equal(t, metrics.RunStats{}, r.RunStats())

	r.RecordRun(metrics.RunRecord{Success: true, MemoriesExtracted: 4, TotalTime: 2 * time.Second, AverageBatchTime: time.Second})
	r.RecordRun(metrics.RunRecord{Success: false, MemoriesExtracted: 0, TotalTime: 4 * time.Second, AverageBatchTime: 3 * time.Second, Errors: []string{"boom"}})
	r.RecordRun(metrics.RunRecord{Success: true, MemoriesExtracted: 2, TotalTime: 6 * time.Second, AverageBatchTime: 2 * time.Second})

	s := r.RunStats()
	assert.Equal(t, 3, s.Runs)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 4*time.Second, s.AverageTotalTime)
	assert.Equal(t, 2*time.Second, s.AverageBatchTime)
	assert.Equal(t, 6, s.TotalMemories)
	assert.InDelta(t, 2.0, s.AverageMemoriesPerRun, 1e-9)

	last := r.LastRuns(1)[0]
	assert.Equal(t, c.t, last.Timestamp)
}

func TestRecordRunCopiesErrors(t *testing.T) {
	r, _ := newRecorder(10)
	errs := []string{"a"}
	r.RecordRun(metrics.RunRecord{Errors: errs})
	errs[0] = "changed"
	assert.Equal(t, []string{"a"}, r.LastRuns(1)[0].Errors)
}

func TestAPIStats(t *testing.T) {
	r, c := newRecorder(100)
	for i := 1; i <= 20; i++ {
		c.t = c.t.Add(time.Second)
		r.RecordAPICall("analysis", i%5 != 0, time.Duration(i)*time.Millisecond)
	}
	r.RecordAPICall("embedding", true, 10*time.Millisecond)

	s := r.APIStats("analysis")
	assert.Equal(t, 20, s.Calls)
	assert.Equal(t, 16, s.Successes)
	assert.Equal(t, 4, s.Failures)
	assert.InDelta(t, 0.8, s.SuccessRate, 1e-9)
	assert.Equal(t, 10500*time.Microsecond, s.AverageLatency)
	assert.Equal(t, 19*time.Millisecond, s.P95Latency)
	assert.Equal(t, c.t, s.LastCall)

	all := r.AllAPIStats()
	require.Len(t, all, 2)
	assert.Equal(t, "analysis", all[0].API)
	assert.Equal(t, "embedding", all[1].API)

	assert.Equal(t, metrics.APIStats{API: "voyage"}, r.APIStats("voyage"))
}

func TestDetectionStats(t *testing.T) {
	r, _ := newRecorder(10)
	r.RecordDetection(true, "inactivity", 2*time.Millisecond)
	r.RecordDetection(false, "active", 4*time.Millisecond)
	r.RecordDetection(true, "inactivity", 6*time.Millisecond)

	s := r.DetectionStats()
	assert.Equal(t, 3, s.Evaluations)
	assert.Equal(t, 2, s.Ended)
	assert.Equal(t, 4*time.Millisecond, s.AverageLatency)
	assert.Equal(t, map[string]int{"inactivity": 2, "active": 1}, s.ByReason)
	assert.Len(t, r.LastDetections(10), 3)
}

func TestCleanupAndReset(t *testing.T) {
	r, c := newRecorder(10)
	r.RecordBatch(metrics.BatchRecord{BatchIndex: 0})
	r.RecordAPICall("analysis", true, time.Millisecond)
	c.t = c.t.Add(2 * time.Hour)
	r.RecordBatch(metrics.BatchRecord{BatchIndex: 1})

	r.CleanupOlderThan(time.Hour)
	batches := r.LastBatches(10)
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].BatchIndex)
	assert.Empty(t, r.LastAPICalls(10))

	r.Reset()
	assert.Empty(t, r.LastBatches(10))
}

func TestReport(t *testing.T) {
	r, c := newRecorder(10)
	r.RecordRun(metrics.RunRecord{UserID: "u1", PersonaID: "p1", Success: true, MemoriesExtracted: 3, TotalTime: time.Second})
	r.RecordRun(metrics.RunRecord{UserID: "u1", PersonaID: "p2", Success: false, TotalTime: 10 * time.Minute})
	r.RecordAPICall("analysis", false, 12*time.Second)
	r.RecordAPICall("analysis", true, 12*time.Second)
	r.RecordDetection(true, "no_session", time.Millisecond)

	rep := r.Report()
	assert.Equal(t, c.t, rep.GeneratedAt)
	assert.Len(t, rep.RecentRuns, 2)
	assert.Equal(t, "p2", rep.RecentRuns[0].PersonaID)
	require.Len(t, rep.Recommendations, 4)
	assert.Contains(t, rep.Recommendations[0], "run success rate is 50.0%")
	assert.Contains(t, rep.Recommendations[1], "average run takes")
	assert.Contains(t, rep.Recommendations[2], "analysis success rate is 50.0%")
	assert.Contains(t, rep.Recommendations[3], "analysis average latency is 12s")

	text := rep.String()
	assert.Contains(t, text, "PERFORMANCE REPORT - 2024-05-01T12:00:00Z")
	assert.Contains(t, text, "- runs recorded: 2")
	assert.Contains(t, text, "- ANALYSIS: 2 calls, 50.0% success")
	assert.Contains(t, text, "- [failed] u1/p2: 0 memories")
	assert.Contains(t, text, "- [ok] u1/p1: 3 memories in 1s")
	assert.Contains(t, text, "RECOMMENDATIONS:")
}

func TestReportHealthy(t *testing.T) {
	r, _ := newRecorder(10)
	r.RecordRun(metrics.RunRecord{Success: true, TotalTime: time.Second})
	r.RecordAPICall("embedding", true, time.Millisecond)

	rep := r.Report()
	assert.Empty(t, rep.Recommendations)
	assert.NotContains(t, rep.String(), "RECOMMENDATIONS:")
}
