package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/service"
	"github.com/obot-platform/leadqueue/server/internal/version"
)

// apiError is the error body every API failure carries.
type apiError struct {
	Message string `json:"error"`
}

// Client talks to the queue administration API.
type Client struct {
	rc *resty.Client
}

// NewClient creates an API client. Only GET requests are retried, and only
// on connection errors: a retried assign could hand out a second lead.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/api").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "queuectl/"+version.Get()).
		SetError(&apiError{})
	if apiKey != "" {
		rc.SetHeader("X-API-Key", apiKey)
	}

	rc.
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil && r != nil && r.Request != nil && r.Request.Method == http.MethodGet
		})

	return &Client{rc: rc}
}

func (c *Client) do(req *resty.Request, method, path string) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := http.StatusText(resp.StatusCode())
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			msg = e.Message
		}
		if after := resp.Header().Get("Retry-After"); after != "" {
			return fmt.Errorf("%s (HTTP %d, retry after %ss)", msg, resp.StatusCode(), after)
		}
		return fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode())
	}
	return nil
}

func (c *Client) AssignLead(unitID, leadID, previousOwner string) (*service.Assignment, error) {
	body := map[string]any{"leadId": leadID}
	if previousOwner != "" {
		body["previousOwnerAgentId"] = previousOwner
	}
	var out service.Assignment
	err := c.do(c.rc.R().SetPathParam("unit", unitID).SetBody(body).SetResult(&out),
		http.MethodPost, "/units/{unit}/assign")
	return &out, err
}

func (c *Client) GetRotation(unitID string) (*service.RotationView, error) {
	var out service.RotationView
	err := c.do(c.rc.R().SetPathParam("unit", unitID).SetResult(&out),
		http.MethodGet, "/units/{unit}/rotation")
	return &out, err
}

func (c *Client) Reorder(unitID string, agentIDs []string) (*service.RotationView, error) {
	var out service.RotationView
	err := c.do(c.rc.R().SetPathParam("unit", unitID).SetBody(map[string]any{"agentIds": agentIDs}).SetResult(&out),
		http.MethodPut, "/units/{unit}/rotation")
	return &out, err
}

type toggleResult struct {
	UnitID           string `json:"unitId"`
	AgentID          string `json:"agentId"`
	ActiveInRotation bool   `json:"activeInRotation"`
}

func (c *Client) Toggle(unitID, agentID string) (*toggleResult, error) {
	var out toggleResult
	err := c.do(c.rc.R().SetPathParams(map[string]string{"unit": unitID, "agent": agentID}).SetResult(&out),
		http.MethodPatch, "/units/{unit}/rotation/{agent}/toggle")
	return &out, err
}

type resyncResult struct {
	UnitID  string `json:"unitId"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Resync resyncs against agentIDs, or against the server's directory when
// agentIDs is nil.
func (c *Client) Resync(unitID string, agentIDs []string) (*resyncResult, error) {
	var out resyncResult
	req := c.rc.R().SetPathParam("unit", unitID).SetResult(&out)
	if agentIDs != nil {
		req.SetBody(map[string]any{"agentIds": agentIDs})
	}
	err := c.do(req, http.MethodPost, "/units/{unit}/resync")
	return &out, err
}

func (c *Client) Logs(unitID string, limit, offset int) (*service.LogPage, error) {
	var out service.LogPage
	err := c.do(c.rc.R().SetPathParam("unit", unitID).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("offset", strconv.Itoa(offset)).
		SetResult(&out),
		http.MethodGet, "/units/{unit}/logs")
	return &out, err
}

func (c *Client) Load(unitID string, window int) (*service.LoadSummary, error) {
	var out service.LoadSummary
	err := c.do(c.rc.R().SetPathParam("unit", unitID).
		SetQueryParam("window", strconv.Itoa(window)).
		SetResult(&out),
		http.MethodGet, "/units/{unit}/load")
	return &out, err
}

func (c *Client) ListAbsences(unitID, agentID string) ([]model.Absence, error) {
	var out struct {
		Absences []model.Absence `json:"absences"`
	}
	req := c.rc.R().SetPathParam("unit", unitID).SetResult(&out)
	if agentID != "" {
		req.SetQueryParam("agentId", agentID)
	}
	err := c.do(req, http.MethodGet, "/units/{unit}/absences")
	return out.Absences, err
}

type absenceRequest struct {
	AgentID string     `json:"agentId"`
	UnitID  string     `json:"unitId"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
	Reason  *string    `json:"reason,omitempty"`
}

func (c *Client) AddAbsence(in absenceRequest) (*model.Absence, error) {
	var out model.Absence
	err := c.do(c.rc.R().SetBody(in).SetResult(&out), http.MethodPost, "/absences")
	return &out, err
}

func (c *Client) RemoveAbsence(id string) error {
	return c.do(c.rc.R().SetPathParam("id", id), http.MethodDelete, "/absences/{id}")
}
