//go:build integration

// Package testutil runs the delivery binaries inside containers next to a
// MySQL server on a private network.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/delivery/mysql"
)

const (
	startupTimeout = 2 * time.Minute
	exitTimeout    = 2 * time.Minute

	runnerImage = "alpine:3.20"
	runnerPath  = "/usr/local/bin/delivery"
)

// server describes the MySQL container shared by a test.
var server = struct {
	image, database, user, password, alias string
	port                                   nat.Port
}{
	image:    "mysql:8.0.36",
	database: "delivery",
	user:     "root",
	password: "secret",
	alias:    "mysql",
	port:     "3306/tcp",
}

// MySQL is a running server with the delivery schema applied.
type MySQL struct {
	Network *testcontainers.DockerNetwork
	DB      *sql.DB
	// DSN reaches the server from containers on Network.
	DSN string
}

func serverDSN(addr string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", server.user, server.password, addr, server.database)
}

// StartMySQL starts a server on a fresh network and applies the default
// schema. It skips the test when Docker is unavailable.
func StartMySQL(t *testing.T, ctx context.Context) MySQL {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("docker network unavailable: %v", err)
	}
	t.Cleanup(func() { _ = net.Remove(ctx) })

	ctr, err := start(t, ctx, testcontainers.ContainerRequest{
		Image:        server.image,
		ExposedPorts: []string{string(server.port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": server.password,
			"MYSQL_DATABASE":      server.database,
		},
		Networks:       []string{net.Name},
		NetworkAliases: map[string][]string{net.Name: {server.alias}},
		WaitingFor: wait.ForSQL(server.port, "mysql", func(host string, port nat.Port) string {
			return serverDSN(host+":"+port.Port()) + "?parseTime=true"
		}).WithStartupTimeout(startupTimeout),
	})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}

	addr, err := ctr.PortEndpoint(ctx, server.port, "")
	if err != nil {
		t.Fatalf("mysql endpoint: %v", err)
	}
	db, err := mysql.Open(serverDSN(addr))
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ddl, err := mysql.Schema(mysql.Tables{})
	if err != nil {
		t.Fatalf("render schema: %v", err)
	}
	if err := mysql.ApplySchema(ctx, db, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return MySQL{
		Network: net,
		DB:      db,
		DSN:     serverDSN(fmt.Sprintf("%s:%s", server.alias, server.port.Port())),
	}
}

// Binary is a delivery command compiled for linux, run in throwaway
// containers on Network with Env set.
type Binary struct {
	Path    string
	Network string
	Env     map[string]string
}

// Result is the outcome of one Binary run.
type Result struct {
	ExitCode int
	// Output holds stdout and stderr interleaved.
	Output string
}

// Build compiles the main package pkg, resolved from the working directory.
func Build(t *testing.T, pkg, netName string, env map[string]string) Binary {
	t.Helper()

	dir, err := filepath.Abs(pkg)
	if err != nil {
		t.Fatalf("resolve %s: %v", pkg, err)
	}
	out := filepath.Join(t.TempDir(), filepath.Base(dir))

	cmd := exec.Command("go", "build", "-trimpath", "-o", out, pkg)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	if msg, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s: %v\n%s", pkg, err, msg)
	}

	return Binary{Path: out, Network: netName, Env: env}
}

// Run executes the binary with args and waits for it to exit.
func (b Binary) Run(t *testing.T, ctx context.Context, args ...string) Result {
	t.Helper()

	ctr, err := start(t, ctx, testcontainers.ContainerRequest{
		Image:      runnerImage,
		Entrypoint: append([]string{runnerPath}, args...),
		Env:        b.Env,
		Networks:   []string{b.Network},
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      b.Path,
			ContainerFilePath: runnerPath,
			FileMode:          0o755,
		}},
		WaitingFor: wait.ForExit().WithExitTimeout(exitTimeout),
	})
	if err != nil {
		t.Fatalf("run %s %v: %v", filepath.Base(b.Path), args, err)
	}

	output, err := readLogs(ctx, ctr)
	if err != nil {
		t.Fatalf("collect output: %v", err)
	}
	state, err := ctr.State(ctx)
	if err != nil {
		t.Fatalf("inspect exit: %v", err)
	}

	return Result{ExitCode: state.ExitCode, Output: output}
}

// start runs req and terminates the container when the test ends.
func start(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	testcontainers.CleanupContainer(t, ctr)

	return ctr, err
}

func readLogs(ctx context.Context, ctr testcontainers.Container) (string, error) {
	rc, err := ctr.Logs(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)

	return string(data), err
}
