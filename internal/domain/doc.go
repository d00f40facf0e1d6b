// Package domain defines the entities shared by the orchestrator, the workers and
// the storage adapters: runs, jobs, the fixed stage pipeline, resolved
// configurations and package provenances.
package domain
