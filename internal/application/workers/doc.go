// Package workers runs the jobs dispatched to one pipeline stage.
//
// A Runtime handles the messages of its stage endpoint:
//   - dispatches move the job from SCHEDULED to RUNNING, run the stage routine
//     and report job.finished or job.failed to the orchestrator endpoint
//   - duplicate or stale dispatches and jobs of terminal runs are skipped
//   - cancellations abort the routine if the job executes in this process
//
// A Pool runs several receivers over one Runtime and the health monitor
// records how many of them are idle, busy or stopped.
package workers
