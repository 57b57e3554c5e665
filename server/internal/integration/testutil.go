package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/crm"
	"github.com/obot-platform/leadqueue/server/internal/database"
	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/dispatcher"
	"github.com/obot-platform/leadqueue/server/internal/events"
	"github.com/obot-platform/leadqueue/server/internal/handler"
	"github.com/obot-platform/leadqueue/server/internal/jobs"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/middleware"
	"github.com/obot-platform/leadqueue/server/internal/service"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// testAPIKey guards /api on every test server.
const testAPIKey = "test-admin-key"

// TestServer wraps a test HTTP server with helpers
type TestServer struct {
	Server     *httptest.Server
	Store      *store.Store
	Config     *config.Config
	DB         *database.DB
	Directory  *directory.Cached
	Dispatcher *dispatcher.Service
	CRM        *CRMRecorder
	T          *testing.T
}

// CRMRecorder is a fake CRM webhook that records every pushed assignment.
type CRMRecorder struct {
	Server *httptest.Server

	mu       sync.Mutex
	received []crm.Assignment
	keys     []string
}

func newCRMRecorder(t *testing.T) *CRMRecorder {
	rec := &CRMRecorder{}
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a crm.Assignment
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.received = append(rec.received, a)
		rec.keys = append(rec.keys, r.Header.Get("Idempotency-Key"))
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rec.Server.Close)
	return rec
}

// Received returns a copy of the assignments pushed so far.
func (c *CRMRecorder) Received() []crm.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crm.Assignment(nil), c.received...)
}

// IdempotencyKeys returns the Idempotency-Key header of each push.
func (c *CRMRecorder) IdempotencyKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

// NewTestServer creates a test server on file-based SQLite or PostgreSQL
// with the same wiring as cmd/server, CRM push included.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	var dsn, driver string
	if PostgresEnabled() {
		dsn = PostgresDSN()
		driver = "postgres"
	} else if envDSN := os.Getenv("TEST_DATABASE_DSN"); envDSN != "" {
		dsn = envDSN
		driver = "sqlite"
		if strings.HasPrefix(dsn, "postgres") {
			driver = "postgres"
		}
	} else {
		// In-memory SQLite is per connection, which the dispatcher and
		// poller goroutines cannot share
		dsn = fmt.Sprintf("sqlite3://%s/test.db", t.TempDir())
		driver = "sqlite"
	}

	hook := newCRMRecorder(t)

	cfg := &config.Config{
		Port:                         8080,
		CORSOrigins:                  []string{"*"},
		DatabaseDSN:                  dsn,
		DatabaseDriver:               driver,
		AdminAPIKey:                  testAPIKey,
		LockTimeout:                  2 * time.Second,
		LeadDedupEnabled:             true,
		DirectoryCacheTTL:            time.Minute,
		CRMWebhookURL:                hook.Server.URL,
		CRMTimeout:                   5 * time.Second,
		DispatcherEnabled:            true,
		DispatcherPollInterval:       10 * time.Millisecond,
		DispatcherHeartbeatInterval:  50 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         30 * time.Second,
		DispatcherStaleJobTimeout:    time.Minute,
		DispatcherImmediateExecution: true,
		JobMaxAttempts:               3,
	}

	log := zap.NewNop()

	db, err := database.New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if driver == "postgres" {
		cleanTables(db)
	}

	s := store.New(db.DB)
	dir := directory.NewCached(directory.NewDB(s), cfg.DirectoryCacheTTL)

	pollerCfg := events.DefaultPollerConfig()
	pollerCfg.PollInterval = 10 * time.Millisecond
	poller := events.NewPoller(s, pollerCfg, log)
	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start event poller: %v", err)
	}
	broker := events.NewBroker(s, poller)

	queue := jobs.NewQueue(s, cfg)
	disp := dispatcher.NewService(s, cfg, log)
	disp.RegisterExecutor(jobs.NewAssignmentSyncExecutor(crm.NewClient(cfg.CRMWebhookURL, cfg.CRMTimeout, log)))
	disp.Start(context.Background())
	queue.SetNotifyFunc(disp.NotifyNewJob)

	locker := lock.NewLocal(cfg.LockTimeout)
	h := handler.New(
		service.NewDistributionService(s, locker, dir, broker, service.DistributionOptions{DedupLeads: cfg.LeadDedupEnabled, Syncer: queue}, log),
		service.NewRotationService(s, locker, dir, broker, log),
		service.NewAbsenceService(s, broker, log),
		broker,
		log,
	)

	server := httptest.NewServer(setupRouter(cfg, h, log))

	ts := &TestServer{
		Server:     server,
		Store:      s,
		Config:     cfg,
		DB:         db,
		Directory:  dir,
		Dispatcher: disp,
		CRM:        hook,
		T:          t,
	}

	t.Cleanup(func() {
		disp.Stop()
		poller.Stop()
		server.Close()
		db.Close()
	})

	return ts
}

// setupRouter creates the router with all routes (matches main.go)
func setupRouter(cfg *config.Config, h *handler.Handler, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.AdminAPIKey))
		h.Mount(r)
	})
	return r
}

// LoadDirectory writes content as a directory file and imports it, the way
// the server does at startup with DIRECTORY_FILE.
func (ts *TestServer) LoadDirectory(content string) {
	ts.T.Helper()
	path := filepath.Join(ts.T.TempDir(), "directory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		ts.T.Fatalf("Failed to write directory file: %v", err)
	}
	if err := directory.LoadFile(context.Background(), ts.Store, path); err != nil {
		ts.T.Fatalf("Failed to load directory file: %v", err)
	}
	ts.Directory.Purge()
}

// Get makes an authenticated GET request
func (ts *TestServer) Get(path string) *http.Response {
	ts.T.Helper()
	return ts.Do(http.MethodGet, path, nil)
}

// Post makes an authenticated POST request
func (ts *TestServer) Post(path string, body any) *http.Response {
	ts.T.Helper()
	return ts.Do(http.MethodPost, path, body)
}

// Put makes an authenticated PUT request
func (ts *TestServer) Put(path string, body any) *http.Response {
	ts.T.Helper()
	return ts.Do(http.MethodPut, path, body)
}

// Patch makes an authenticated PATCH request
func (ts *TestServer) Patch(path string) *http.Response {
	ts.T.Helper()
	return ts.Do(http.MethodPatch, path, nil)
}

// Delete makes an authenticated DELETE request
func (ts *TestServer) Delete(path string) *http.Response {
	ts.T.Helper()
	return ts.Do(http.MethodDelete, path, nil)
}

// Do sends a request carrying the admin API key.
func (ts *TestServer) Do(method, path string, body any) *http.Response {
	ts.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			ts.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		ts.T.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.T.Fatalf("Request failed: %v", err)
	}
	return resp
}

// ParseJSON parses the response body as JSON
func ParseJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON: %v\nBody: %s", err, string(body))
	}
}

// AssertStatus checks the response status code
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("Expected status %d, got %d\nBody: %s", expected, resp.StatusCode, string(body))
	}
}

// cleanTables truncates all tables for test isolation (PostgreSQL only)
func cleanTables(db *database.DB) {
	tables := []string{
		"distribution_log",
		"absences",
		"rotation_memberships",
		"rotation_cursors",
		"unit_agents",
		"agents",
		"units",
		"unit_events",
		"jobs",
		"dispatcher_leaders",
	}
	for _, table := range tables {
		db.Exec("TRUNCATE TABLE " + table + " CASCADE")
	}
}
