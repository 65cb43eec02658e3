package model

import "maps"

// RunResult is the outcome of one repetition of the density estimator.
type RunResult struct {
	PositiveCount   int            `json:"positive_count"`
	ReferenceCount  int            `json:"reference_count"`
	StageCounts     map[string]int `json:"stage_counts"`
	ImagesProcessed int            `json:"images_processed"`
	Percentage      float64        `json:"parasitemia_percent"`
	DensityPer1000  float64        `json:"parasite_density_per_1000_rbc"`
}

// AggregateResult summarizes all repetitions of one estimator invocation and
// is persisted as the job result on success.
type AggregateResult struct {
	PercentageMean         float64        `json:"average_parasitemia_percent"`
	DensityMean            float64        `json:"average_parasite_density_per_1000_rbc"`
	StageAverages          map[string]int `json:"average_stage_counts"`
	ImagesProcessedPerRun  []int          `json:"total_images_processed_per_run"`
	ReferenceCountedPerRun []int          `json:"total_rbcs_counted_per_run"`
	ImagesProcessed        int            `json:"images_processed"`
	Repetitions            int            `json:"repetitions"`
	TargetCount            int            `json:"target_count"`
	Runs                   []RunResult    `json:"all_run_results"`
}

// Clone returns a deep copy of the result.
func (r *AggregateResult) Clone() *AggregateResult {
	if r == nil {
		return nil
	}
	c := *r
	c.StageAverages = maps.Clone(r.StageAverages)
	c.ImagesProcessedPerRun = append([]int(nil), r.ImagesProcessedPerRun...)
	c.ReferenceCountedPerRun = append([]int(nil), r.ReferenceCountedPerRun...)
	if r.Runs != nil {
		c.Runs = make([]RunResult, len(r.Runs))
		for i, run := range r.Runs {
			run.StageCounts = maps.Clone(run.StageCounts)
			c.Runs[i] = run
		}
	}
	return &c
}
