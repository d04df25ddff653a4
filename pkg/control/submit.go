package control

import (
	"context"

	"github.com/m-lab/rmbt-control/internal/transport"
	"github.com/m-lab/rmbt-control/pkg/control/model"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
)

// clientUUIDKey is the result payload field identifying the submitting client.
const clientUUIDKey = "client_uuid"

// SubmitResult submits a measurement result. If endpoint is empty the
// result is posted to the control server's result endpoint; otherwise it is
// posted to endpoint verbatim, which is how QoS results reach their
// collector. The caller's payload is not modified.
//
// A failed submission is always returned to the caller: dropping it would
// lose the measurement.
func (c *Client) SubmitResult(ctx context.Context, result model.ResultPayload, endpoint string) error {
	_, err := run(ctx, c, "submitResult",
		func(uuid string) (transport.Request, error) {
			payload := make(model.ResultPayload, len(result)+1)
			for k, v := range result {
				payload[k] = v
			}
			if _, ok := payload[clientUUIDKey]; !ok {
				payload[clientUUIDKey] = uuid
			}
			req := transport.Request{Path: spec.ResultPath, Body: payload}
			if endpoint != "" {
				req.URL = endpoint
			}
			return req, nil
		},
		func([]byte) (struct{}, error) {
			// Acknowledgement only: errors were already detected by the transport.
			return struct{}{}, nil
		})
	if err != nil {
		c.logger.Error("result submission failed", "endpoint", endpoint, "kind", KindOf(err), "error", err)
		return err
	}
	c.logger.Info("result submitted", "endpoint", endpoint)
	return nil
}
