// Package crm pushes committed assignments to the external CRM webhook.
package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/version"
)

// ErrNotConfigured is returned when no webhook URL was given.
var ErrNotConfigured = errors.New("crm webhook not configured")

// Assignment is the body POSTed to the webhook for each committed assignment.
type Assignment struct {
	EntryID              int64     `json:"entryId"`
	UnitID               string    `json:"unitId"`
	LeadID               string    `json:"leadId"`
	AgentID              string    `json:"agentId"`
	PositionInQueue      int       `json:"positionInQueue"`
	TotalInQueue         int       `json:"totalInQueue"`
	PreviousOwnerAgentID *string   `json:"previousOwnerAgentId,omitempty"`
	AssignedAt           time.Time `json:"assignedAt"`
}

// Client is a resty-backed webhook client. Retries are owned by the job
// dispatcher, so the HTTP client itself does not retry.
type Client struct {
	http *resty.Client
	url  string
	log  *zap.Logger
}

// NewClient creates a CRM client posting to webhookURL.
func NewClient(webhookURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())

	return &Client{
		http: rc,
		url:  webhookURL,
		log:  log.Named("crm"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// PushAssignment POSTs a to the webhook. Any non-2xx answer is an error.
func (c *Client) PushAssignment(ctx context.Context, a Assignment) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", fmt.Sprintf("%s:%d", a.UnitID, a.EntryID)).
		SetBody(a).
		Post(c.url)
	if err != nil {
		c.log.Warn("crm push failed",
			zap.String("unit_id", a.UnitID),
			zap.String("lead_id", a.LeadID),
			zap.Error(err),
		)
		return fmt.Errorf("crm push: %w", err)
	}
	if resp.IsError() {
		c.log.Warn("crm rejected assignment",
			zap.String("unit_id", a.UnitID),
			zap.String("lead_id", a.LeadID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("crm push: unexpected status %d", resp.StatusCode())
	}

	c.log.Debug("assignment pushed",
		zap.String("unit_id", a.UnitID),
		zap.String("lead_id", a.LeadID),
		zap.String("agent_id", a.AgentID),
	)
	return nil
}
