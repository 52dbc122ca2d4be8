package store

import (
	"context"

	"github.com/neurobench/trialctx/pkg/schema"
)

// TrialStore defines the persistence contract for the trial log: an
// append-only, table-structured record of every loggable parameter's
// resolved value and active expression per trial.
type TrialStore interface {
	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context) ([]*schema.Run, error)

	// Trial log (append-only)
	AppendTrial(ctx context.Context, rec *schema.TrialRecord) error
	GetTrials(ctx context.Context, runID string) ([]*schema.TrialRecord, error)

	Close() error
}
