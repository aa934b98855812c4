package postgres

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/journal"
)

func init() {
	// Configure testcontainers to use podman.
	// Detect the podman socket from `podman machine inspect`.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Recorder.
// Tests are skipped if a container runtime is not available.
func setupTestDB(t *testing.T) *Recorder {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}

	if _, err := exec.LookPath("podman"); err != nil {
		t.Skip("podman not found, skipping integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("runbox_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container (is podman running?): %v", err)
	}

	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	rec, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating recorder: %v", err)
	}

	t.Cleanup(func() {
		rec.Close()
	})

	return rec
}

func TestPostgres_SessionLifecycle(t *testing.T) {
	rec := setupTestDB(t)
	ctx := context.Background()

	meta := api.SessionMeta{
		SessionID: "sess_journaltest000000000001",
		Language:  "python",
		Status:    api.StatusRunning,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}

	if err := rec.SessionCreated(ctx, meta); err != nil {
		t.Fatalf("SessionCreated failed: %v", err)
	}
	if err := rec.SessionExtended(ctx, meta.SessionID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SessionExtended failed: %v", err)
	}
	if err := rec.SessionClosed(ctx, meta.SessionID, "close"); err != nil {
		t.Fatalf("SessionClosed failed: %v", err)
	}

	rows, err := rec.pool.Query(ctx, `
		SELECT event, COALESCE(reason, ''), COALESCE(language, '')
		FROM session_events
		WHERE session_id = $1
		ORDER BY id
	`, meta.SessionID)
	if err != nil {
		t.Fatalf("querying events: %v", err)
	}
	defer rows.Close()

	type row struct{ event, reason, language string }
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.event, &r.reason, &r.language); err != nil {
			t.Fatalf("scanning event: %v", err)
		}
		got = append(got, r)
	}

	want := []row{
		{"created", "", "python"},
		{"extended", "", ""},
		{"closed", "close", ""},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPostgres_RunCompleted(t *testing.T) {
	rec := setupTestDB(t)
	ctx := context.Background()

	record := journal.RunRecord{
		SessionID:       "sess_journaltest000000000002",
		Language:        "python",
		Success:         true,
		SkippedPackages: 2,
		SkippedFiles:    1,
		Timings: api.StageTimings{
			Uploading:  15 * time.Millisecond,
			Installing: 2300 * time.Millisecond,
			Executing:  120 * time.Millisecond,
		},
		StartedAt: time.Now(),
	}

	if err := rec.RunCompleted(ctx, record); err != nil {
		t.Fatalf("RunCompleted failed: %v", err)
	}

	var (
		language                       string
		success                        bool
		skippedPackages, skippedFiles  int
		uploadingMs, installingMs      int64
		executingMs                    int64
	)
	err := rec.pool.QueryRow(ctx, `
		SELECT language, success, skipped_packages, skipped_files,
		       uploading_ms, installing_ms, executing_ms
		FROM runs
		WHERE session_id = $1
	`, record.SessionID).Scan(
		&language, &success, &skippedPackages, &skippedFiles,
		&uploadingMs, &installingMs, &executingMs,
	)
	if err != nil {
		t.Fatalf("querying run: %v", err)
	}

	if language != "python" || !success {
		t.Errorf("unexpected run row: language=%q success=%v", language, success)
	}
	if skippedPackages != 2 || skippedFiles != 1 {
		t.Errorf("skipped counts = %d/%d, want 2/1", skippedPackages, skippedFiles)
	}
	if uploadingMs != 15 || installingMs != 2300 || executingMs != 120 {
		t.Errorf("timings = %d/%d/%d ms, want 15/2300/120", uploadingMs, installingMs, executingMs)
	}
}

func TestPostgres_MigrateIdempotent(t *testing.T) {
	rec := setupTestDB(t)
	ctx := context.Background()

	// Migrations already ran on startup; a second pass is a no-op.
	if err := rec.migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	var count int
	if err := rec.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("querying migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 applied migration, got %d", count)
	}
}
