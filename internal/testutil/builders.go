// Package testutil provides testing utilities and helpers for the theia job pipeline.
package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a builder with a single image reference and no overrides.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			ImageRefs: []string{"file:///data/slides/sample-001.jpg"},
		},
	}
}

// WithImageRefs replaces the image references.
func (b *JobRequestBuilder) WithImageRefs(refs ...string) *JobRequestBuilder {
	b.req.ImageRefs = refs
	return b
}

// WithNumberedImages sets n references of the form prefix-NNN.jpg.
func (b *JobRequestBuilder) WithNumberedImages(prefix string, n int) *JobRequestBuilder {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("%s-%03d.jpg", prefix, i+1)
	}
	b.req.ImageRefs = refs
	return b
}

// WithMetadataString sets the job metadata from a string.
func (b *JobRequestBuilder) WithMetadataString(metadata string) *JobRequestBuilder {
	b.req.Metadata = json.RawMessage(metadata)
	return b
}

// WithTargetCount overrides the per-run detection target.
func (b *JobRequestBuilder) WithTargetCount(n int) *JobRequestBuilder {
	b.req.TargetCount = &n
	return b
}

// WithRepetitions overrides the number of runs.
func (b *JobRequestBuilder) WithRepetitions(n int) *JobRequestBuilder {
	b.req.Repetitions = &n
	return b
}

// WithMaxRetries overrides the automatic retry budget.
func (b *JobRequestBuilder) WithMaxRetries(n int) *JobRequestBuilder {
	b.req.MaxRetries = &n
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Params resolves the request into store parameters using the pipeline defaults
// for anything left unset.
func (b *JobRequestBuilder) Params() core.CreateJobParams {
	p := core.CreateJobParams{
		ImageRefs:   append([]string(nil), b.req.ImageRefs...),
		Metadata:    b.req.Metadata,
		TargetCount: 1000,
		Repetitions: 5,
		MaxRetries:  3,
	}
	if b.req.TargetCount != nil {
		p.TargetCount = *b.req.TargetCount
	}
	if b.req.Repetitions != nil {
		p.Repetitions = *b.req.Repetitions
	}
	if b.req.MaxRetries != nil {
		p.MaxRetries = *b.req.MaxRetries
	}
	return p
}
