// Package orchestrator runs a task graph to completion.
//
// The Coordinator owns every TaskNode for the duration of a run. It:
//   - Matches each node to a specialist before anything executes
//   - Launches one worker process per attempt, bounded by max parallelism
//   - Retries transient failures and blocks the dependents of permanent ones
//   - Validates finished outputs against the specialist's contract
//   - Groups validated nodes into merge steps and promotes them atomically
//
// Workers and validations run on their own goroutines and report back over
// a single channel; only the coordinator goroutine mutates node state.
//
// Example usage:
//
//	coord, err := orchestrator.New(orchestrator.RequiredConfig{
//		Graph:       g,
//		Catalog:     cat,
//		Layout:      layout,
//		ArtifactDir: "out",
//	}, orchestrator.WithMaxParallelism(8))
//	result, err := coord.Run(ctx)
package orchestrator
