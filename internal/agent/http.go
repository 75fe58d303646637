package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// HTTPDispatcher posts JSON commands to the agent's HTTP listener on
// agentPort, authenticated with the node's agent token.
type HTTPDispatcher struct {
	scheme  string
	timeout time.Duration
}

func NewHTTPDispatcher(scheme string, timeout time.Duration) *HTTPDispatcher {
	if scheme == "" {
		scheme = "https"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{scheme: scheme, timeout: timeout}
}

func (d *HTTPDispatcher) Kick(ctx context.Context, node *models.VpnNode, cmd KickCommand) error {
	return d.post(ctx, node, "/kick", cmd)
}

func (d *HTTPDispatcher) PushCrl(ctx context.Context, node *models.VpnNode, cmd CrlCommand) error {
	return d.post(ctx, node, "/crl", cmd)
}

func (d *HTTPDispatcher) post(ctx context.Context, node *models.VpnNode, path string, body interface{}) error {
	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return ctx.Err()
	}

	url := fmt.Sprintf("%s://%s:%d%s", d.scheme, node.Hostname, node.AgentPort, path)
	a := fiber.Post(url)
	a.Set("Authorization", "Bearer "+node.AgentToken)
	a.JSON(body)
	a.Timeout(timeout)
	// Node agents present self-signed certificates.
	a.InsecureSkipVerify()

	code, resp, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("post %s: %w", url, errs[0])
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("post %s: agent returned %d: %s", url, code, truncate(resp, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
