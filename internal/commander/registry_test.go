package commander

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/metorial/capture-core/internal/models"
)

const sshScan = `Nmap scan report for 10.0.0.5
Host is up (0.00042s latency).
PORT   STATE SERVICE
22/tcp open  ssh
`

const webScan = `Nmap scan report for web01.lab (10.0.0.5)
Host is up (0.00042s latency).
PORT    STATE SERVICE VERSION
80/tcp  open  http    nginx 1.24.0
443/tcp open  https   nginx 1.24.0
`

const fingerprintScan = `Nmap scan report for 10.0.0.5
Host is up (0.00042s latency).
PORT   STATE SERVICE
22/tcp open  ssh
OS details: Linux 5.4 - 5.15
`

const smbScan = `Nmap scan report for 10.0.0.5
Host is up (0.00042s latency).
PORT    STATE SERVICE
445/tcp open  microsoft-ds
`

func setupTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(setupTestDB(t))
	registry.now = func() time.Time { return now }
	return registry, &now
}

func TestMergeHost(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := first.Add(time.Hour)

	existing := models.HostRecord{
		IP:          "10.0.0.5",
		Hostname:    "web01",
		OSType:      "Linux",
		DeviceType:  "Workstation",
		OpenPorts:   []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}},
		FirstSeenAt: first,
		LastSeenAt:  first,
	}

	tests := []struct {
		name        string
		obs         models.HostRecord
		wantChanged bool
		wantPorts   []models.Port
		wantName    string
	}{
		{
			name:        "identical",
			obs:         models.HostRecord{IP: "10.0.0.5", Hostname: "web01", OpenPorts: []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}}},
			wantChanged: false,
			wantPorts:   []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}},
			wantName:    "web01",
		},
		{
			name:        "empty values keep existing",
			obs:         models.HostRecord{IP: "10.0.0.5", OpenPorts: []models.Port{{Port: 22, Protocol: "tcp"}}},
			wantChanged: false,
			wantPorts:   []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}},
			wantName:    "web01",
		},
		{
			name:        "port union",
			obs:         models.HostRecord{IP: "10.0.0.5", OpenPorts: []models.Port{{Port: 80, Protocol: "tcp", Service: "http"}}},
			wantChanged: true,
			wantPorts: []models.Port{
				{Port: 22, Protocol: "tcp", Service: "ssh"},
				{Port: 80, Protocol: "tcp", Service: "http"},
			},
			wantName: "web01",
		},
		{
			name:        "same port other protocol",
			obs:         models.HostRecord{IP: "10.0.0.5", OpenPorts: []models.Port{{Port: 22, Protocol: "udp"}}},
			wantChanged: true,
			wantPorts: []models.Port{
				{Port: 22, Protocol: "tcp", Service: "ssh"},
				{Port: 22, Protocol: "udp"},
			},
			wantName: "web01",
		},
		{
			name:        "new hostname overwrites",
			obs:         models.HostRecord{IP: "10.0.0.5", Hostname: "web01.lab"},
			wantChanged: true,
			wantPorts:   []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}},
			wantName:    "web01.lab",
		},
		{
			name:        "service refinement",
			obs:         models.HostRecord{IP: "10.0.0.5", OpenPorts: []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh", Version: "OpenSSH 9.6"}}},
			wantChanged: true,
			wantPorts:   []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh", Version: "OpenSSH 9.6"}},
			wantName:    "web01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, changed := mergeHost(existing, tt.obs, now)

			if changed != tt.wantChanged {
				t.Errorf("Expected changed=%v, got %v", tt.wantChanged, changed)
			}
			if diff := cmp.Diff(tt.wantPorts, merged.OpenPorts); diff != "" {
				t.Errorf("Ports mismatch (-want +got):\n%s", diff)
			}
			if merged.Hostname != tt.wantName {
				t.Errorf("Expected hostname %s, got %s", tt.wantName, merged.Hostname)
			}
			if !merged.FirstSeenAt.Equal(first) {
				t.Errorf("First seen changed to %v", merged.FirstSeenAt)
			}
			if !merged.LastSeenAt.Equal(now) {
				t.Errorf("Expected last seen %v, got %v", now, merged.LastSeenAt)
			}
		})
	}

	if len(existing.OpenPorts) != 1 {
		t.Errorf("Merge mutated the existing port slice: %+v", existing.OpenPorts)
	}
}

func TestMergeHostLastSeenNeverGoesBack(t *testing.T) {
	last := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	existing := models.HostRecord{IP: "10.0.0.5", FirstSeenAt: last, LastSeenAt: last}

	merged, _ := mergeHost(existing, models.HostRecord{IP: "10.0.0.5"}, last.Add(-time.Hour))
	if !merged.LastSeenAt.Equal(last) {
		t.Errorf("Expected last seen to stay at %v, got %v", last, merged.LastSeenAt)
	}
}

func TestIngestAddsHost(t *testing.T) {
	registry, now := setupTestRegistry(t)
	ctx := context.Background()

	summary, err := registry.Ingest(ctx, sshScan, "nmap")
	if err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}

	if diff := cmp.Diff(models.IngestSummary{Added: 1, Updated: 0, Total: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	host, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	want := []models.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}}
	if diff := cmp.Diff(want, host.OpenPorts); diff != "" {
		t.Errorf("Ports mismatch (-want +got):\n%s", diff)
	}
	if !host.FirstSeenAt.Equal(*now) || !host.LastSeenAt.Equal(*now) {
		t.Errorf("Expected first/last seen %v, got %v/%v", *now, host.FirstSeenAt, host.LastSeenAt)
	}
	if host.Source != "nmap" {
		t.Errorf("Expected source nmap, got %s", host.Source)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	registry, now := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ingest(ctx, webScan, "nmap"); err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}
	before, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}

	*now = now.Add(time.Minute)
	summary, err := registry.Ingest(ctx, webScan, "nmap")
	if err != nil {
		t.Fatalf("Failed to re-ingest: %v", err)
	}

	if diff := cmp.Diff(models.IngestSummary{Added: 0, Updated: 0, Total: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	after, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	if diff := cmp.Diff(before.OpenPorts, after.OpenPorts); diff != "" {
		t.Errorf("Ports changed on re-ingest (-before +after):\n%s", diff)
	}
	if !after.LastSeenAt.Equal(*now) {
		t.Errorf("Expected last seen to advance to %v, got %v", *now, after.LastSeenAt)
	}
	if !after.FirstSeenAt.Equal(before.FirstSeenAt) {
		t.Errorf("First seen changed from %v to %v", before.FirstSeenAt, after.FirstSeenAt)
	}
}

func TestIngestUnionsDisjointPorts(t *testing.T) {
	registry, now := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ingest(ctx, sshScan, "nmap"); err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}
	firstSeen := *now

	*now = now.Add(time.Hour)
	summary, err := registry.Ingest(ctx, webScan, "nmap")
	if err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}
	if diff := cmp.Diff(models.IngestSummary{Added: 0, Updated: 1, Total: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	host, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}

	var ports []int
	for _, p := range host.OpenPorts {
		ports = append(ports, p.Port)
	}
	if diff := cmp.Diff([]int{22, 80, 443}, ports); diff != "" {
		t.Errorf("Port union mismatch (-want +got):\n%s", diff)
	}
	if host.Hostname != "web01.lab" {
		t.Errorf("Expected hostname from second scan, got %q", host.Hostname)
	}
	if !host.FirstSeenAt.Equal(firstSeen) {
		t.Errorf("Expected first seen %v, got %v", firstSeen, host.FirstSeenAt)
	}
}

func TestIngestCountsSkippedBlocks(t *testing.T) {
	registry, _ := setupTestRegistry(t)

	output := sshScan + "\nNmap scan report for unresolved.example\nHost is up.\n"
	summary, err := registry.Ingest(context.Background(), output, "nmap")
	if err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}

	if diff := cmp.Diff(models.IngestSummary{Added: 1, Total: 1, Skipped: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestNoHosts(t *testing.T) {
	registry, _ := setupTestRegistry(t)

	summary, err := registry.Ingest(context.Background(), "Starting Nmap 7.94\nNmap done: 0 IP addresses\n", "nmap")
	if err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}
	if summary != (models.IngestSummary{}) {
		t.Errorf("Expected empty summary, got %+v", summary)
	}
}

func TestConcurrentIngestKeepsAllPorts(t *testing.T) {
	registry := NewRegistry(setupTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			output := fmt.Sprintf("Nmap scan report for 10.0.0.5\n%d/tcp open unknown\n", port)
			if _, err := registry.Ingest(ctx, output, "nmap"); err != nil {
				errs <- err
			}
		}(1000 + i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Failed concurrent ingest: %v", err)
	}

	host, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	if len(host.OpenPorts) != 20 {
		t.Errorf("Expected 20 ports after concurrent ingests, got %d", len(host.OpenPorts))
	}

	hosts, err := registry.Hosts(ctx)
	if err != nil {
		t.Fatalf("Failed to list hosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Errorf("Expected a single host record, got %d", len(hosts))
	}
}

func TestClearRegistry(t *testing.T) {
	registry, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Ingest(ctx, sshScan, "nmap"); err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}

	removed, err := registry.Clear(ctx)
	if err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed host, got %d", removed)
	}

	summary, err := registry.Ingest(ctx, sshScan, "nmap")
	if err != nil {
		t.Fatalf("Failed to ingest after clear: %v", err)
	}
	if summary.Added != 1 {
		t.Errorf("Expected host to be added again after clear, got %+v", summary)
	}
}

func ingestAll(t *testing.T, registry *Registry, scans ...string) *models.HostRecord {
	t.Helper()
	ctx := context.Background()

	for _, scan := range scans {
		if _, err := registry.Ingest(ctx, scan, "nmap"); err != nil {
			t.Fatalf("Failed to ingest: %v", err)
		}
	}

	host, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	return host
}

func TestIngestOrderIndependent(t *testing.T) {
	ignoreTimes := cmpopts.IgnoreFields(models.HostRecord{}, "FirstSeenAt", "LastSeenAt")

	tests := []struct {
		name   string
		scans  []string
		wantOS string
	}{
		{name: "fingerprint and smb", scans: []string{fingerprintScan, smbScan}, wantOS: "Linux"},
		{name: "ssh and web", scans: []string{sshScan, webScan}, wantOS: "Linux"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forward, _ := setupTestRegistry(t)
			backward, _ := setupTestRegistry(t)

			a := ingestAll(t, forward, tt.scans[0], tt.scans[1])
			b := ingestAll(t, backward, tt.scans[1], tt.scans[0])

			if diff := cmp.Diff(a, b, ignoreTimes); diff != "" {
				t.Errorf("Registry depends on ingestion order (-forward +backward):\n%s", diff)
			}
			if a.OSType != tt.wantOS {
				t.Errorf("Expected OS %s, got %q", tt.wantOS, a.OSType)
			}
		})
	}
}

func TestReportedOSSurvivesInference(t *testing.T) {
	registry, _ := setupTestRegistry(t)

	host := ingestAll(t, registry, fingerprintScan, smbScan)
	if host.OSType != "Linux" || host.OSDetails != "Linux 5.4 - 5.15" {
		t.Errorf("Expected reported Linux fingerprint to be kept, got %q (%q)", host.OSType, host.OSDetails)
	}
}

func TestReingestAfterOtherScanIsNoop(t *testing.T) {
	registry, now := setupTestRegistry(t)
	ctx := context.Background()

	before := ingestAll(t, registry, sshScan, webScan)

	*now = now.Add(time.Minute)
	summary, err := registry.Ingest(ctx, sshScan, "nmap")
	if err != nil {
		t.Fatalf("Failed to re-ingest: %v", err)
	}
	if diff := cmp.Diff(models.IngestSummary{Added: 0, Updated: 0, Total: 1}, summary); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	after, err := registry.Host(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to get host: %v", err)
	}
	if after.DeviceType != before.DeviceType || after.OSType != before.OSType {
		t.Errorf("Classification changed from %s/%s to %s/%s",
			before.OSType, before.DeviceType, after.OSType, after.DeviceType)
	}
}
