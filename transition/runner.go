package transition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TargetRunner performs one transition action against one compute node. The
// engine bounds each call with the per-target timeout; implementations must
// honor ctx.
type TargetRunner interface {
	Run(ctx context.Context, cnUUID, configurationUUID string, action Action) error
}

// HTTPRunner drives node agents over HTTP: POST {agent}/recovery-config
// with the action and configuration UUID. Any non-2xx response is a target
// failure.
type HTTPRunner struct {
	locator Locator
	client  *http.Client
}

// NewHTTPRunner builds a runner over the given locator.
func NewHTTPRunner(locator Locator) *HTTPRunner {
	return &HTTPRunner{
		locator: locator,
		// Per-target deadlines come from the engine's context; the client
		// timeout is only a safety net.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, cnUUID, configurationUUID string, action Action) error {
	base, err := r.locator.Locate(ctx, cnUUID)
	if err != nil {
		return fmt.Errorf("locating node %s: %w", cnUUID, err)
	}

	body, err := json.Marshal(map[string]string{
		"action":             string(action),
		"configuration_uuid": configurationUUID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/recovery-config", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("node %s: %w", cnUUID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("node %s returned status %d", cnUUID, resp.StatusCode)
	}
	return nil
}
