// Package gateway implements a device command channel over an HTTP device gateway.
//
// Commands are POSTed as JSON to the gateway which relays them to
// devices. Device status reports arrive at a webhook handler.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const apiUsername = "nanorollout"

// Doer executes HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Gateway sends commands to devices via an HTTP gateway.
type Gateway struct {
	url    *url.URL
	apiKey string
	client Doer
	logger log.Logger
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets the HTTP client used to talk to the gateway.
func WithClient(client Doer) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger log.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a new gateway sender for the command endpoint at gwURL.
// The device ID is appended to the URL path.
func New(gwURL, apiKey string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(gwURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway url: %s", gwURL)
	}
	g := &Gateway{
		url:    u,
		apiKey: apiKey,
		client: http.DefaultClient,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Send POSTs cmd to the gateway.
// Client errors (other than timeouts and throttling) are permanent.
func (g *Gateway) Send(ctx context.Context, cmd *channel.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url.JoinPath(cmd.DeviceID).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.SetBasicAuth(apiUsername, g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ctxlog.Logger(ctx, g.logger).Debug(
			logkeys.Message, "sent command",
			logkeys.DeviceID, cmd.DeviceID,
			logkeys.WorkflowID, cmd.WorkflowID,
			"command_id", cmd.ID,
			"type", cmd.Type,
		)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	if permanentStatus(resp.StatusCode) {
		return workflow.Wrap(workflow.ErrorPermanent, err)
	}
	return err
}

// StatusError is returned when the gateway responds with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway HTTP status: %s", http.StatusText(e.StatusCode))
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout &&
		code != http.StatusTooManyRequests
}

// IsStatus returns true if err is a StatusError with status code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == code
	}
	return false
}
