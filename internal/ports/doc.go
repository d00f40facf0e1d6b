// Package ports declares the interfaces the application layer depends on and the
// adapters under pkg/adapters implement: transport, storage, metrics and secrets.
package ports
