package models

import "time"

type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
	Version  string `json:"version,omitempty"`
}

// Key identifies a port within a host's open-port set.
func (p Port) Key() PortKey {
	return PortKey{Port: p.Port, Protocol: p.Protocol}
}

type PortKey struct {
	Port     int
	Protocol string
}

type HostRecord struct {
	IP          string    `json:"ip"`
	Hostname    string    `json:"hostname,omitempty"`
	OSType      string    `json:"os_type,omitempty"`
	OSDetails   string    `json:"os_details,omitempty"`
	DeviceType  string    `json:"device_type,omitempty"`
	MACAddress  string    `json:"mac_address,omitempty"`
	Vendor      string    `json:"vendor,omitempty"`
	// What nmap itself reported. OSType and DeviceType fall back to
	// inference from ports and vendor when these are empty.
	ReportedOSType     string `json:"-"`
	ReportedDeviceType string `json:"-"`
	OpenPorts   []Port    `json:"open_ports"`
	Source      string    `json:"source,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// IngestSummary is returned to the dashboard after scan output has been merged.
type IngestSummary struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
	Skipped int `json:"skipped"`
}
