package kubernetes

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aescanero/scapipe/internal/ports"
)

// EnvReceiver receives the single message a pod was started for.
type EnvReceiver struct {
	lookup func(string) (string, bool)
}

// NewEnvReceiver reads the message from the process environment.
func NewEnvReceiver() *EnvReceiver {
	return &EnvReceiver{lookup: os.LookupEnv}
}

// NewEnvReceiverFromMap reads the message from vars.
func NewEnvReceiverFromMap(vars map[string]string) *EnvReceiver {
	return &EnvReceiver{lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

// Receive runs handler once and returns ports.ErrReceiverDrained. A handler
// error is returned instead so that the pod exits non-zero and is restarted.
func (r *EnvReceiver) Receive(ctx context.Context, endpoint string, handler ports.Handler) error {
	got, ok := r.lookup(EnvEndpoint)
	if !ok {
		return fmt.Errorf("kubernetes transport: %s not set", EnvEndpoint)
	}
	if got != endpoint {
		return fmt.Errorf("kubernetes transport: pod started for endpoint %q, not %q", got, endpoint)
	}

	encoded, _ := r.lookup(EnvPayload)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("kubernetes transport: invalid payload: %w", err)
	}
	traceID, _ := r.lookup(EnvTraceID)

	if err := handler(ctx, ports.Message{Endpoint: endpoint, Payload: payload, TraceID: traceID}); err != nil {
		return err
	}
	return ports.ErrReceiverDrained
}
