package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metorial/capture-core/internal/models"
)

func FormatJSON(out io.Writer, data interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func FormatHostsTable(out io.Writer, data map[string]interface{}) error {
	hosts, ok := data["hosts"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid hosts data")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tHOSTNAME\tOS\tDEVICE\tOPEN PORTS\tSOURCE\tLAST SEEN")

	for _, h := range hosts {
		host, ok := h.(map[string]interface{})
		if !ok {
			continue
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			getString(host["ip"]),
			orDash(getString(host["hostname"])),
			orDash(getString(host["os_type"])),
			orDash(getString(host["device_type"])),
			formatPortList(host["open_ports"]),
			orDash(getString(host["source"])),
			formatTime(host["last_seen_at"]),
		)
	}

	return w.Flush()
}

func FormatHostDetailTable(out io.Writer, host map[string]interface{}) error {
	if getString(host["ip"]) == "" {
		return fmt.Errorf("invalid host data")
	}

	fmt.Fprintf(out, "Host: %s\n", getString(host["ip"]))
	fmt.Fprintf(out, "Hostname: %s\n", orDash(getString(host["hostname"])))
	fmt.Fprintf(out, "OS: %s\n", orDash(getString(host["os_type"])))
	if details := getString(host["os_details"]); details != "" {
		fmt.Fprintf(out, "OS Details: %s\n", details)
	}
	fmt.Fprintf(out, "Device: %s\n", orDash(getString(host["device_type"])))
	fmt.Fprintf(out, "MAC: %s\n", orDash(getString(host["mac_address"])))
	if vendor := getString(host["vendor"]); vendor != "" {
		fmt.Fprintf(out, "Vendor: %s\n", vendor)
	}
	fmt.Fprintf(out, "Source: %s\n", orDash(getString(host["source"])))
	fmt.Fprintf(out, "First Seen: %s\n", formatTime(host["first_seen_at"]))
	fmt.Fprintf(out, "Last Seen: %s\n", formatTime(host["last_seen_at"]))
	fmt.Fprintln(out)

	ports, ok := host["open_ports"].([]interface{})
	if !ok || len(ports) == 0 {
		fmt.Fprintln(out, "No open ports recorded")
		return nil
	}

	fmt.Fprintf(out, "Open Ports (%d):\n\n", len(ports))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSERVICE\tVERSION")

	for _, p := range ports {
		port, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s/%s\t%s\t%s\n",
			formatNumber(port["port"]),
			getString(port["protocol"]),
			orDash(getString(port["service"])),
			getString(port["version"]),
		)
	}

	return w.Flush()
}

func FormatHistoryTable(out io.Writer, data map[string]interface{}) error {
	entries, ok := data["history"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid history data")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tTOOL\tSTATUS\tEXIT\tDURATION\tSOURCE\tCOMMAND")

	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}

		exit := "-"
		if _, ok := entry["exit_code"]; ok {
			exit = formatNumber(entry["exit_code"])
		}
		duration := "-"
		if _, ok := entry["duration_seconds"]; ok {
			duration = formatNumber(entry["duration_seconds"]) + "s"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(entry["created_at"]),
			orDash(getString(entry["tool"])),
			getString(entry["status"]),
			exit,
			duration,
			getString(entry["source"]),
			truncate(getString(entry["command"]), 60),
		)
	}

	return w.Flush()
}

func FormatStatsTable(out io.Writer, data map[string]interface{}) error {
	fmt.Fprintln(out, "Capture Statistics:")
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Total Hosts:\t%s\n", formatNumber(data["total_hosts"]))
	fmt.Fprintf(w, "Open Ports:\t%s\n", formatNumber(data["total_open_ports"]))
	fmt.Fprintf(w, "History Entries:\t%s\n", formatNumber(data["history_entries"]))
	fmt.Fprintf(w, "Failed Commands:\t%s\n", formatNumber(data["failed_commands"]))
	fmt.Fprintf(w, "Imported Events:\t%s\n", formatNumber(data["imported_events"]))
	if _, ok := data["event_records"]; ok {
		fmt.Fprintf(w, "Local Events:\t%s\n", formatNumber(data["event_records"]))
		fmt.Fprintf(w, "Event Store Size:\t%s\n", formatBytes(data["event_bytes"]))
	}

	return w.Flush()
}

func FormatSyncResult(out io.Writer, data map[string]interface{}) error {
	if skipped, _ := data["skipped"].(bool); skipped {
		_, err := fmt.Fprintln(out, "Sync already in progress, skipped")
		return err
	}

	_, err := fmt.Fprintf(out, "Imported: %s  Failed: %s  Deferred: %s\n",
		formatNumber(data["imported_count"]),
		formatNumber(data["failed_count"]),
		formatNumber(data["deferred_count"]),
	)
	return err
}

func formatPortList(v interface{}) string {
	ports, ok := v.([]interface{})
	if !ok || len(ports) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if port, ok := p.(map[string]interface{}); ok {
			parts = append(parts, formatNumber(port["port"])+"/"+getString(port["protocol"]))
		}
	}
	return strings.Join(parts, ",")
}

func getString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatNumber(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	default:
		return "0"
	}
}

func formatBytes(v interface{}) string {
	var bytes float64
	switch n := v.(type) {
	case float64:
		bytes = n
	case int64:
		bytes = float64(n)
	case int:
		bytes = float64(n)
	default:
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for bytes >= 1024 && i < len(units)-1 {
		bytes /= 1024
		i++
	}

	return fmt.Sprintf("%.1f %s", bytes, units[i])
}

func formatTime(v interface{}) string {
	if s, ok := v.(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return ""
}

// FormatEventsTable lists records from a local event store.
func FormatEventsTable(out io.Writer, events []models.CommandEvent) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tEXIT\tSOURCE\tCOMMAND")

	for _, e := range events {
		exit := "-"
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Status,
			exit,
			e.Source,
			truncate(e.Command, 60),
		)
	}

	return w.Flush()
}
