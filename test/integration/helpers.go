package integration

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/metorial/capture-core/internal/commander"
)

// Controller is a central controller serving the HTTP API from a temp DB.
type Controller struct {
	DB       *commander.DB
	Registry *commander.Registry
	Server   *httptest.Server
}

func StartController(t *testing.T) *Controller {
	t.Helper()

	db, err := commander.NewDB(filepath.Join(t.TempDir(), "controller.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := commander.NewRegistry(db)

	mux := http.NewServeMux()
	commander.NewAPI(db, registry, nil, nil).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &Controller{DB: db, Registry: registry, Server: server}
}

// StartConsul fakes the Consul health endpoint for one service pointing at
// target. It returns the address to hand to discovery.NewServiceDiscovery.
func StartConsul(t *testing.T, service string, target *httptest.Server) string {
	t.Helper()

	host, portStr, err := net.SplitHostPort(target.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to split address: %v", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("Failed to parse port: %v", err)
	}

	consulServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/"+service {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		response := []map[string]interface{}{
			{
				"Node":    map[string]interface{}{"Address": host},
				"Service": map[string]interface{}{"Address": host, "Port": port},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(consulServer.Close)

	return consulServer.URL[7:]
}

// InstallFakeNmap puts an nmap on PATH that prints output and exits 0.
func InstallFakeNmap(t *testing.T, output string) {
	t.Helper()

	dir := t.TempDir()
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "EOF\n"
	if err := os.WriteFile(filepath.Join(dir, "nmap"), []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write fake nmap: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
