// Package metrics records consolidation telemetry in bounded in-memory buffers.
//
// A Recorder is owned by the engine instance that writes to it. It is purely
// observational: nothing in the pipeline reads it to make decisions.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept per buffer.
const DefaultCapacity = 100

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	RunID             string        `json:"run_id"`
	UserID            string        `json:"user_id"`
	PersonaID         string        `json:"persona_id"`
	Messages          int           `json:"messages"`
	TotalBatches      int           `json:"total_batches"`
	SuccessfulBatches int           `json:"successful_batches"`
	MemoriesExtracted int           `json:"memories_extracted"`
	APICalls          int           `json:"api_calls"`
	TotalTime         time.Duration `json:"total_time"`
	AverageBatchTime  time.Duration `json:"average_batch_time"`
	Success           bool          `json:"success"`
	Errors            []string      `json:"errors,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// BatchRecord summarizes one processed batch.
type BatchRecord struct {
	RunID             string        `json:"run_id"`
	BatchIndex        int           `json:"batch_index"`
	MemoriesExtracted int           `json:"memories_extracted"`
	APICalls          int           `json:"api_calls"`
	ProcessingTime    time.Duration `json:"processing_time"`
	Success           bool          `json:"success"`
	Timestamp         time.Time     `json:"timestamp"`
}

// APICallRecord is one external call.
type APICallRecord struct {
	API       string        `json:"api"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// DetectionRecord is one conversation-end evaluation.
type DetectionRecord struct {
	Ended     bool          `json:"ended"`
	Reason    string        `json:"reason"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// Recorder keeps the last N records of each kind.
type Recorder struct {
	mu         sync.RWMutex
	runs       *Ring[RunRecord]
	batches    *Ring[BatchRecord]
	calls      *Ring[APICallRecord]
	detections *Ring[DetectionRecord]
	now        func() time.Time
}

// NewRecorder creates a Recorder with the given per-buffer capacity
// (DefaultCapacity when non-positive).
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		runs:       NewRing[RunRecord](capacity),
		batches:    NewRing[BatchRecord](capacity),
		calls:      NewRing[APICallRecord](capacity),
		detections: NewRing[DetectionRecord](capacity),
		now:        time.Now,
	}
}

// SetClock replaces the time source used to stamp records.
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Capacity returns the per-buffer capacity.
func (r *Recorder) Capacity() int {
	return r.runs.Cap()
}

// RecordRun stores a run summary. A zero Timestamp is set to now.
func (r *Recorder) RecordRun(rec RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	rec.Errors = append([]string(nil), rec.Errors...)
	r.runs.Push(rec)
}

// RecordBatch stores a batch summary.
func (r *Recorder) RecordBatch(rec BatchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	r.batches.Push(rec)
}

// RecordAPICall stores an external call.
func (r *Recorder) RecordAPICall(api string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Push(APICallRecord{API: api, Success: success, Latency: latency, Timestamp: r.now()})
}

// RecordDetection stores a conversation-end evaluation.
func (r *Recorder) RecordDetection(ended bool, reason string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections.Push(DetectionRecord{Ended: ended, Reason: reason, Latency: latency, Timestamp: r.now()})
}

// LastRuns returns up to n newest runs, newest first.
func (r *Recorder) LastRuns(n int) []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs.Last(n)
}

// LastBatches returns up to n newest batches, newest first.
func (r *Recorder) LastBatches(n int) []BatchRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batches.Last(n)
}

// LastAPICalls returns up to n newest calls, newest first.
func (r *Recorder) LastAPICalls(n int) []APICallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls.Last(n)
}

// LastDetections returns up to n newest evaluations, newest first.
func (r *Recorder) LastDetections(n int) []DetectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detections.Last(n)
}

// RunStats aggregates the buffered runs.
type RunStats struct {
	Runs                  int           `json:"runs"`
	SuccessRate           float64       `json:"success_rate"`
	AverageTotalTime      time.Duration `json:"average_total_time"`
	AverageBatchTime      time.Duration `json:"average_batch_time"`
	TotalMemories         int           `json:"total_memories"`
	AverageMemoriesPerRun float64       `json:"average_memories_per_run"`
}

// RunStats returns rolling averages over the buffered runs. SuccessRate is in 0..1.
func (r *Recorder) RunStats() RunStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := r.runs.Items()
	stats := RunStats{Runs: len(runs)}
	if len(runs) == 0 {
		return stats
	}
	var (
		ok                int
		total, batchTotal time.Duration
	)
	for _, run := range runs {
		if run.Success {
			ok++
		}
		total += run.TotalTime
		batchTotal += run.AverageBatchTime
		stats.TotalMemories += run.MemoriesExtracted
	}
	n := len(runs)
	stats.SuccessRate = float64(ok) / float64(n)
	stats.AverageTotalTime = total / time.Duration(n)
	stats.AverageBatchTime = batchTotal / time.Duration(n)
	stats.AverageMemoriesPerRun = float64(stats.TotalMemories) / float64(n)
	return stats
}

// APIStats aggregates the buffered calls of one API.
type APIStats struct {
	API            string        `json:"api"`
	Calls          int           `json:"calls"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	LastCall       time.Time     `json:"last_call"`
}

// APIStats returns the stats of one API.
func (r *Recorder) APIStats(api string) APIStats {
	for _, s := range r.AllAPIStats() {
		if s.API == api {
			return s
		}
	}
	return APIStats{API: api}
}

// AllAPIStats returns stats per API, sorted by name.
func (r *Recorder) AllAPIStats() []APIStats {
	r.mu.RLock()
	calls := r.calls.Items()
	r.mu.RUnlock()

	byAPI := map[string][]APICallRecord{}
	for _, c := range calls {
		byAPI[c.API] = append(byAPI[c.API], c)
	}

	out := make([]APIStats, 0, len(byAPI))
	for api, recs := range byAPI {
		s := APIStats{API: api, Calls: len(recs)}
		latencies := make([]time.Duration, len(recs))
		var total time.Duration
		for i, c := range recs {
			if c.Success {
				s.Successes++
			} else {
				s.Failures++
			}
			total += c.Latency
			latencies[i] = c.Latency
			if c.Timestamp.After(s.LastCall) {
				s.LastCall = c.Timestamp
			}
		}
		s.SuccessRate = float64(s.Successes) / float64(s.Calls)
		s.AverageLatency = total / time.Duration(s.Calls)
		s.P95Latency = percentile(latencies, 95)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].API < out[j].API })
	return out
}

// DetectionStats aggregates the buffered evaluations.
type DetectionStats struct {
	Evaluations    int            `json:"evaluations"`
	Ended          int            `json:"ended"`
	AverageLatency time.Duration  `json:"average_latency"`
	ByReason       map[string]int `json:"by_reason"`
}

// DetectionStats returns rolling detection statistics.
func (r *Recorder) DetectionStats() DetectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.detections.Items()
	stats := DetectionStats{Evaluations: len(recs), ByReason: map[string]int{}}
	if len(recs) == 0 {
		return stats
	}
	var total time.Duration
	for _, d := range recs {
		if d.Ended {
			stats.Ended++
		}
		stats.ByReason[d.Reason]++
		total += d.Latency
	}
	stats.AverageLatency = total / time.Duration(len(recs))
	return stats
}

// CleanupOlderThan drops records older than maxAge.
func (r *Recorder) CleanupOlderThan(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	r.runs.Filter(func(x RunRecord) bool { return x.Timestamp.After(cutoff) })
	r.batches.Filter(func(x BatchRecord) bool { return x.Timestamp.After(cutoff) })
	r.calls.Filter(func(x APICallRecord) bool { return x.Timestamp.After(cutoff) })
	r.detections.Filter(func(x DetectionRecord) bool { return x.Timestamp.After(cutoff) })
}

// Reset clears every buffer.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs.Reset()
	r.batches.Reset()
	r.calls.Reset()
	r.detections.Reset()
}

// percentile returns the p-th percentile (nearest rank) of values.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (p*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
