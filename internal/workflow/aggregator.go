package workflow

import (
	"context"
	"math"
	"sort"
	"time"
)

// AggregationMode selects how much detail an aggregation carries.
type AggregationMode string

const (
	AggregationModeSummary     AggregationMode = "summary"
	AggregationModeDetailed    AggregationMode = "detailed"
	AggregationModeStatistical AggregationMode = "statistical"
)

// Valid reports whether the mode is one of the known modes.
func (m AggregationMode) Valid() bool {
	switch m {
	case AggregationModeSummary, AggregationModeDetailed, AggregationModeStatistical:
		return true
	}
	return false
}

// StepStats is the per-step success breakdown across a set of executions.
type StepStats struct {
	StepID      string  `json:"step_id"`
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// DurationStats describes the duration distribution over executions that
// recorded one.
type DurationStats struct {
	Count   int     `json:"count"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	AvgMs   float64 `json:"avg_ms"`
	MedianMs float64 `json:"median_ms"`
	StdDevMs float64 `json:"std_dev_ms"`
}

// AggregatedResults is the output of an aggregation over a set of execution
// ids. Ids that do not resolve are skipped; TotalExecutions counts only found
// records.
type AggregatedResults struct {
	Mode                 AggregationMode `json:"mode"`
	TotalExecutions      int             `json:"total_executions"`
	SuccessfulExecutions int             `json:"successful_executions"`
	FailedExecutions     int             `json:"failed_executions"`
	TotalSteps           int             `json:"total_steps"`
	SuccessfulSteps      int             `json:"successful_steps"`
	FailedSteps          int             `json:"failed_steps"`
	SuccessRate          float64         `json:"success_rate"`

	// Detailed mode
	ByStatus   map[string]int       `json:"by_status,omitempty"`
	ByWorkflow map[string]int       `json:"by_workflow,omitempty"`
	StepStats  map[string]StepStats `json:"step_stats,omitempty"`

	// Statistical mode
	Durations *DurationStats `json:"durations,omitempty"`
}

// Aggregator computes summary, detailed and statistical views over stored
// executions.
type Aggregator struct {
	store Store
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate fetches the named executions and computes the view the mode asks
// for. Unknown ids are skipped without error.
func (a *Aggregator) Aggregate(ctx context.Context, executionIDs []string, mode AggregationMode) (*AggregatedResults, error) {
	if !mode.Valid() {
		mode = AggregationModeSummary
	}

	executions := make([]Execution, 0, len(executionIDs))
	for _, id := range executionIDs {
		exec, err := a.store.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		executions = append(executions, *exec)
	}

	results := &AggregatedResults{
		Mode:            mode,
		TotalExecutions: len(executions),
	}

	for i := range executions {
		exec := &executions[i]
		if exec.Status == ExecutionStatusCompleted {
			results.SuccessfulExecutions++
		} else if exec.Status == ExecutionStatusFailed {
			results.FailedExecutions++
		}
		for j := range exec.StepExecutions {
			results.TotalSteps++
			switch exec.StepExecutions[j].Status {
			case StepStatusCompleted:
				results.SuccessfulSteps++
			case StepStatusFailed:
				results.FailedSteps++
			}
		}
	}

	if results.TotalExecutions > 0 {
		results.SuccessRate = float64(results.SuccessfulExecutions) / float64(results.TotalExecutions) * 100
	}

	switch mode {
	case AggregationModeDetailed:
		a.addDetailed(results, executions)
	case AggregationModeStatistical:
		a.addStatistical(results, executions)
	}

	return results, nil
}

func (a *Aggregator) addDetailed(results *AggregatedResults, executions []Execution) {
	results.ByStatus = make(map[string]int)
	results.ByWorkflow = make(map[string]int)
	results.StepStats = make(map[string]StepStats)

	for i := range executions {
		exec := &executions[i]
		results.ByStatus[string(exec.Status)]++
		results.ByWorkflow[exec.WorkflowName]++

		for j := range exec.StepExecutions {
			se := &exec.StepExecutions[j]
			stats := results.StepStats[se.StepID]
			stats.StepID = se.StepID
			stats.Total++
			switch se.Status {
			case StepStatusCompleted:
				stats.Successful++
			case StepStatusFailed:
				stats.Failed++
			}
			results.StepStats[se.StepID] = stats
		}
	}

	for id, stats := range results.StepStats {
		if stats.Total > 0 {
			stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
		}
		results.StepStats[id] = stats
	}
}

func (a *Aggregator) addStatistical(results *AggregatedResults, executions []Execution) {
	var durations []time.Duration
	for i := range executions {
		if d := executions[i].Duration(); d > 0 {
			durations = append(durations, d)
		}
	}

	stats := &DurationStats{Count: len(durations)}
	results.Durations = stats
	if len(durations) == 0 {
		return
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	total := time.Duration(0)
	for _, d := range durations {
		total += d
	}

	stats.MinMs = toMillis(durations[0])
	stats.MaxMs = toMillis(durations[len(durations)-1])
	stats.AvgMs = toMillis(total) / float64(len(durations))
	stats.MedianMs = median(durations)
	stats.StdDevMs = stdDev(durations, stats.AvgMs)
}

// median returns the middle element of the sorted durations, or the average
// of the two middle elements for an even count.
func median(sorted []time.Duration) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return toMillis(sorted[n/2])
	}
	return (toMillis(sorted[n/2-1]) + toMillis(sorted[n/2])) / 2
}

// stdDev computes the population standard deviation in milliseconds.
func stdDev(durations []time.Duration, avgMs float64) float64 {
	if len(durations) == 0 {
		return 0
	}
	sumSquares := 0.0
	for _, d := range durations {
		diff := toMillis(d) - avgMs
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(durations)))
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
