// Package nmap extracts host observations from nmap output, either the XML
// report (-oX) or the normal human-readable text.
package nmap

import (
	"net"
	"strings"

	"github.com/metorial/capture-core/internal/models"
)

const (
	FormatXML  = "xml"
	FormatText = "text"
)

// Skipped describes a host block that did not yield a usable IP address.
type Skipped struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type Result struct {
	Format  string              `json:"format"`
	Hosts   []models.HostRecord `json:"hosts"`
	Skipped []Skipped           `json:"skipped,omitempty"`
}

// Parse detects the output format and returns every host with a valid IP.
// XML that fails to decode is retried as text.
func Parse(output string) Result {
	if start := xmlStart(output); start >= 0 {
		if result, err := parseXML(output[start:]); err == nil {
			return result
		}
	}
	return parseText(output)
}

func xmlStart(output string) int {
	if i := strings.Index(output, "<?xml"); i >= 0 && strings.Contains(output[i:], "<nmaprun") {
		return i
	}
	return strings.Index(output, "<nmaprun")
}

func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

func finishHost(h *models.HostRecord) {
	if h.ReportedOSType == "" {
		h.ReportedOSType = FingerprintOSType(h.OSDetails)
	}
	if h.ReportedDeviceType == "" {
		h.ReportedDeviceType = h.DeviceType
	}
	if h.OpenPorts == nil {
		h.OpenPorts = []models.Port{}
	}
	Classify(h)
}
