// Package orchestrator implements the run/job state machine.
//
// The orchestrator manager drives every run through its enabled stages by:
//   - Validating job configurations before a run is created
//   - Resolving the run's configuration once when the run starts
//   - Creating one job per enabled stage, in pipeline order, and dispatching it
//   - Consuming job finished/failed reports from the orchestrator endpoint
//
// All transitions of a run happen under a per-run lock and are applied as
// conditional store updates, so duplicate or concurrent reports are absorbed.
package orchestrator
