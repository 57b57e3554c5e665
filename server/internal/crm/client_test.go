package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAssignment(t *testing.T) {
	var got Assignment
	var idemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		idemKey = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	require.True(t, c.Enabled())

	err := c.PushAssignment(context.Background(), Assignment{
		EntryID:         7,
		UnitID:          "u1",
		LeadID:          "lead-1",
		AgentID:         "a2",
		PositionInQueue: 2,
		TotalInQueue:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1:7", idemKey)
	assert.Equal(t, "a2", got.AgentID)
	assert.Equal(t, 2, got.PositionInQueue)
}

func TestPushAssignmentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second, nil).PushAssignment(context.Background(), Assignment{UnitID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushAssignmentNotConfigured(t *testing.T) {
	c := NewClient("", 0, nil)
	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.PushAssignment(context.Background(), Assignment{}), ErrNotConfigured)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}
