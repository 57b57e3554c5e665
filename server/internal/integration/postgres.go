// Package integration runs the full HTTP stack end to end against SQLite,
// or against a throwaway PostgreSQL container when TEST_POSTGRES=1.
package integration

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"
)

// pg describes the container TEST_POSTGRES runs against. The host port is
// off the default so a developer's own Postgres keeps working.
var pg = struct {
	name, image, port, user, password, db string
}{
	name:     "leadqueue-test-postgres",
	image:    "postgres:16-alpine",
	port:     "5433",
	user:     "leadqueue",
	password: "leadqueue",
	db:       "leadqueue_test",
}

// PostgresEnabled reports whether TEST_POSTGRES=1 is set.
func PostgresEnabled() bool {
	return os.Getenv("TEST_POSTGRES") == "1"
}

// PostgresDSN returns the DSN of the test container.
func PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable", pg.user, pg.password, pg.port, pg.db)
}

// StartPostgres replaces any leftover container with a fresh one and waits
// for it. The cleanup removes it after a green run and keeps it otherwise.
func StartPostgres() (cleanup func(success bool), err error) {
	_ = docker("rm", "-f", pg.name)

	if err := docker("run", "-d",
		"--name", pg.name,
		"-p", pg.port+":5432",
		"-e", "POSTGRES_USER="+pg.user,
		"-e", "POSTGRES_PASSWORD="+pg.password,
		"-e", "POSTGRES_DB="+pg.db,
		pg.image,
	); err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	if err := waitForPostgres(30 * time.Second); err != nil {
		return nil, err
	}

	return func(success bool) {
		if !success {
			fmt.Fprintf(os.Stderr, "\npostgres container %s kept after failure\n  psql %s\n  docker rm -f %s\n\n",
				pg.name, PostgresDSN(), pg.name)
			return
		}
		if err := docker("rm", "-f", pg.name); err != nil {
			fmt.Fprintf(os.Stderr, "remove postgres container: %v\n", err)
		}
	}, nil
}

func docker(args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.Command("docker", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// waitForPostgres needs pg_isready inside the container and a reachable
// mapped port, which can lag behind the server.
func waitForPostgres(timeout time.Duration) error {
	for deadline := time.Now().Add(timeout); time.Now().Before(deadline); time.Sleep(500 * time.Millisecond) {
		if docker("exec", pg.name, "pg_isready", "-U", pg.user, "-d", pg.db) != nil {
			continue
		}
		conn, err := net.DialTimeout("tcp", "localhost:"+pg.port, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("postgres not ready on port %s after %s", pg.port, timeout)
}
