package dagflow

import (
	"context"

	"go.jetify.com/typeid"
)

// TypeIDGenerator allocates workflow ids of the form "wf_<suffix>" and job
// names of the form "<type>-<suffix>" from type ids. It does not check for
// collisions; backends wrap it with a lookup against their store.
type TypeIDGenerator struct{}

func NewTypeIDGenerator() *TypeIDGenerator {
	return &TypeIDGenerator{}
}

// NewWorkflowID returns a fresh workflow id.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewJobSuffix returns a fresh instance suffix for a job name.
func NewJobSuffix() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.Suffix()
}

func (g *TypeIDGenerator) NextFreeWorkflowID(ctx context.Context) (string, error) {
	return NewWorkflowID(), nil
}

func (g *TypeIDGenerator) NextFreeJobID(ctx context.Context, workflowID, jobType string) (string, error) {
	return JobName(jobType, NewJobSuffix()), nil
}
