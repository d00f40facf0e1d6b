// Package transport provides message transport implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups and pending-entry reclaim
//   - kubernetes: one Kubernetes Job per message, read back from the pod environment
//   - memory: In-process queues for tests and single-process mode
package transport
