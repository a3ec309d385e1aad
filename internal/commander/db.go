package commander

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metorial/capture-core/internal/models"
	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the registry and the ledger share this handle.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		ip TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		os_type TEXT NOT NULL DEFAULT '',
		os_details TEXT NOT NULL DEFAULT '',
		device_type TEXT NOT NULL DEFAULT '',
		reported_os_type TEXT NOT NULL DEFAULT '',
		reported_device_type TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		vendor TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		first_seen_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_last_seen ON hosts(last_seen_at);

	CREATE TABLE IF NOT EXISTS host_ports (
		host_ip TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (host_ip, port, protocol),
		FOREIGN KEY (host_ip) REFERENCES hosts(ip) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		tool TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		user TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		duration_seconds INTEGER,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		imported_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_tool ON history(tool);

	CREATE TABLE IF NOT EXISTS imported_events (
		event_id TEXT PRIMARY KEY,
		imported_at TIMESTAMP NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const hostColumns = `ip, hostname, os_type, os_details, device_type, reported_os_type,
	reported_device_type, mac_address, vendor, source, first_seen_at, last_seen_at`

func scanHost(row interface{ Scan(...interface{}) error }) (*models.HostRecord, error) {
	var h models.HostRecord
	err := row.Scan(&h.IP, &h.Hostname, &h.OSType, &h.OSDetails, &h.DeviceType, &h.ReportedOSType,
		&h.ReportedDeviceType, &h.MACAddress, &h.Vendor, &h.Source, &h.FirstSeenAt, &h.LastSeenAt)
	if err != nil {
		return nil, err
	}
	h.OpenPorts = []models.Port{}
	return &h, nil
}

// getHost returns sql.ErrNoRows when the IP has never been seen.
func getHost(ctx context.Context, q querier, ip string) (*models.HostRecord, error) {
	h, err := scanHost(q.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE ip = ?`, ip))
	if err != nil {
		return nil, err
	}

	ports, err := loadPorts(ctx, q, ip)
	if err != nil {
		return nil, err
	}
	h.OpenPorts = ports
	return h, nil
}

func loadPorts(ctx context.Context, q querier, ip string) ([]models.Port, error) {
	rows, err := q.QueryContext(ctx, `SELECT port, protocol, service, version FROM host_ports
	          WHERE host_ip = ? ORDER BY port, protocol`, ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := []models.Port{}
	for rows.Next() {
		var p models.Port
		if err := rows.Scan(&p.Port, &p.Protocol, &p.Service, &p.Version); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func saveHost(ctx context.Context, q querier, h *models.HostRecord) error {
	query := `
	INSERT INTO hosts (ip, hostname, os_type, os_details, device_type, reported_os_type,
		reported_device_type, mac_address, vendor, source, first_seen_at, last_seen_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(ip) DO UPDATE SET
		hostname = excluded.hostname,
		os_type = excluded.os_type,
		os_details = excluded.os_details,
		device_type = excluded.device_type,
		reported_os_type = excluded.reported_os_type,
		reported_device_type = excluded.reported_device_type,
		mac_address = excluded.mac_address,
		vendor = excluded.vendor,
		source = excluded.source,
		last_seen_at = excluded.last_seen_at
	`
	_, err := q.ExecContext(ctx, query, h.IP, h.Hostname, h.OSType, h.OSDetails, h.DeviceType,
		h.ReportedOSType, h.ReportedDeviceType, h.MACAddress, h.Vendor, h.Source, h.FirstSeenAt, h.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert host %s: %w", h.IP, err)
	}

	for _, p := range h.OpenPorts {
		_, err := q.ExecContext(ctx, `
		INSERT INTO host_ports (host_ip, port, protocol, service, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host_ip, port, protocol) DO UPDATE SET
			service = excluded.service,
			version = excluded.version
		`, h.IP, p.Port, p.Protocol, p.Service, p.Version)
		if err != nil {
			return fmt.Errorf("upsert port %d/%s on %s: %w", p.Port, p.Protocol, h.IP, err)
		}
	}
	return nil
}

func countHosts(ctx context.Context, q querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts`).Scan(&n)
	return n, err
}

func (db *DB) GetAllHosts(ctx context.Context) ([]models.HostRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY ip`)
	if err != nil {
		return nil, err
	}

	hosts := []models.HostRecord{}
	index := make(map[string]int)
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[h.IP] = len(hosts)
		hosts = append(hosts, *h)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	portRows, err := db.conn.QueryContext(ctx, `SELECT host_ip, port, protocol, service, version
	          FROM host_ports ORDER BY host_ip, port, protocol`)
	if err != nil {
		return nil, err
	}
	defer portRows.Close()

	for portRows.Next() {
		var ip string
		var p models.Port
		if err := portRows.Scan(&ip, &p.Port, &p.Protocol, &p.Service, &p.Version); err != nil {
			return nil, err
		}
		if i, ok := index[ip]; ok {
			hosts[i].OpenPorts = append(hosts[i].OpenPorts, p)
		}
	}
	return hosts, portRows.Err()
}

func (db *DB) GetHost(ctx context.Context, ip string) (*models.HostRecord, error) {
	return getHost(ctx, db.conn, ip)
}

// ClearHosts removes every host and port and returns how many hosts were dropped.
func (db *DB) ClearHosts(ctx context.Context) (int, error) {
	var removed int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM host_ports`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM hosts`)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = int(n)
		return err
	})
	return removed, err
}

// InsertHistory stores a forwarded event. It reports false when the id was
// already present, leaving the existing row untouched.
func (db *DB) InsertHistory(ctx context.Context, e *models.CommandEvent, importedAt time.Time) (bool, error) {
	query := `
	INSERT INTO history (id, command, tool, source, status, user, hostname, working_dir, exit_code,
		duration_seconds, stdout, stderr, created_at, completed_at, imported_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
	`

	var exitCode, duration sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}
	if e.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: *e.DurationSeconds, Valid: true}
	}
	var completedAt sql.NullTime
	if e.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}

	res, err := db.conn.ExecContext(ctx, query, e.ID, e.Command, e.Tool, string(e.Source), string(e.Status),
		e.User, e.Hostname, e.WorkingDir, exitCode, duration, e.Stdout, e.Stderr, e.CreatedAt,
		completedAt, importedAt)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetHistory returns the most recent history entries first. tool filters by
// tool name when non-empty.
func (db *DB) GetHistory(ctx context.Context, tool string, limit int) ([]models.HistoryEntry, error) {
	query := `SELECT id, command, tool, source, status, user, hostname, working_dir, exit_code,
	          duration_seconds, stdout, stderr, created_at, completed_at, imported_at
	          FROM history WHERE (? = '' OR tool = ?)
	          ORDER BY created_at DESC, id DESC
	          LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, tool, tool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		var source, status string
		var exitCode, duration sql.NullInt64
		var completedAt sql.NullTime
		err := rows.Scan(&e.ID, &e.Command, &e.Tool, &source, &status, &e.User, &e.Hostname,
			&e.WorkingDir, &exitCode, &duration, &e.Stdout, &e.Stderr, &e.CreatedAt, &completedAt,
			&e.ImportedAt)
		if err != nil {
			return nil, err
		}

		e.Source = models.Source(source)
		e.Status = models.Status(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		if duration.Valid {
			secs := duration.Int64
			e.DurationSeconds = &secs
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) IsImported(ctx context.Context, id string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM imported_events WHERE event_id = ?`, id).
		Scan(&count)
	return count > 0, err
}

func (db *DB) MarkImported(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO imported_events (event_id, imported_at) VALUES (?, ?)
	          ON CONFLICT(event_id) DO NOTHING`, id, time.Now().UTC())
	return err
}

func (db *DB) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var hosts, ports, history, imported int
	err := db.conn.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM hosts),
		(SELECT COUNT(*) FROM host_ports),
		(SELECT COUNT(*) FROM history),
		(SELECT COUNT(*) FROM imported_events)`).Scan(&hosts, &ports, &history, &imported)
	if err != nil {
		return nil, err
	}

	stats["total_hosts"] = hosts
	stats["total_open_ports"] = ports
	stats["history_entries"] = history
	stats["imported_events"] = imported

	var failed int
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE status = ?`,
		string(models.StatusFailed)).Scan(&failed)
	if err != nil {
		return nil, err
	}
	stats["failed_commands"] = failed

	return stats, nil
}
