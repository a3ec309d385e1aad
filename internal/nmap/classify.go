package nmap

import (
	"strings"

	"github.com/metorial/capture-core/internal/models"
)

var osKeywords = []struct {
	osType   string
	keywords []string
}{
	{"Windows", []string{"windows", "microsoft", "win32", "win64"}},
	{"Linux", []string{"linux", "ubuntu", "debian", "centos", "red hat", "rhel", "fedora", "kali", "suse"}},
	{"macOS", []string{"mac os", "macos", "darwin", "apple"}},
	{"Unix", []string{"freebsd", "openbsd", "netbsd", "solaris", "aix", "unix"}},
	{"Network Device", []string{"cisco", "juniper", "junos", "fortinet", "fortigate", "mikrotik", "routeros", "switch", "router", "firewall"}},
	{"VMware", []string{"vmware", "esxi"}},
	{"Android", []string{"android"}},
	{"Printer", []string{"printer", "jetdirect", "xerox", "epson"}},
}

var vendorHints = []struct {
	osType   string
	keywords []string
}{
	{"macOS", []string{"apple"}},
	{"Network Device", []string{"cisco", "juniper", "netgear", "linksys", "tp-link", "ubiquiti", "mikrotik", "d-link", "arris"}},
	{"Linux", []string{"raspberry"}},
	{"VMware", []string{"vmware"}},
}

// Classify sets OSType and DeviceType from the reported values, inferring
// them from the whole record only where nmap reported nothing. The result
// depends on the record alone, so it must run on the merged record.
func Classify(h *models.HostRecord) {
	h.OSType = h.ReportedOSType
	if h.OSType == "" {
		h.OSType = DetectOSType(h.OSDetails, h.OpenPorts, h.Vendor)
	}
	h.DeviceType = h.ReportedDeviceType
	if h.DeviceType == "" {
		h.DeviceType = ClassifyDevice(h)
	}
}

// FingerprintOSType maps nmap's own OS description to an OS family, or "".
func FingerprintOSType(osDetails string) string {
	lower := strings.ToLower(osDetails)
	for _, entry := range osKeywords {
		if containsAny(lower, entry.keywords) {
			return entry.osType
		}
	}
	return ""
}

// DetectOSType maps an OS fingerprint, falling back to the MAC vendor and
// then to well-known open ports. It returns "" when nothing matches.
func DetectOSType(osDetails string, ports []models.Port, vendor string) string {
	if osType := FingerprintOSType(osDetails); osType != "" {
		return osType
	}

	lowerVendor := strings.ToLower(vendor)
	for _, entry := range vendorHints {
		if containsAny(lowerVendor, entry.keywords) {
			return entry.osType
		}
	}

	return inferOSFromPorts(ports)
}

func inferOSFromPorts(ports []models.Port) string {
	numbers := portSet(ports)

	for _, p := range ports {
		v := strings.ToLower(p.Version)
		if strings.Contains(v, "samba") {
			return "Linux"
		}
		if strings.Contains(v, "microsoft") || strings.Contains(v, "windows") {
			return "Windows"
		}
	}

	for _, n := range []int{135, 139, 445, 3389, 5985, 5986} {
		if numbers[n] {
			return "Windows"
		}
	}

	for _, p := range ports {
		v := strings.ToLower(p.Version)
		if strings.Contains(v, "ubuntu") || strings.Contains(v, "debian") || strings.Contains(v, "linux") {
			return "Linux"
		}
	}

	if numbers[22] && hasService(ports, "ssh") {
		return "Linux"
	}
	if numbers[161] || numbers[162] || numbers[23] {
		return "Network Device"
	}
	if numbers[9100] || numbers[631] {
		return "Printer"
	}
	return ""
}

var serverPorts = []int{
	80, 443, 8080, 8443,
	3306, 5432, 1433, 27017, 6379,
	25, 587, 465, 110, 995, 143, 993,
	21, 22, 139, 445, 2049,
	389, 636, 88, 464,
}

// ClassifyDevice guesses a coarse device role from OS and exposed services.
func ClassifyDevice(h *models.HostRecord) string {
	numbers := portSet(h.OpenPorts)
	details := strings.ToLower(h.OSDetails)

	switch h.OSType {
	case "Network Device":
		switch {
		case strings.Contains(details, "switch"):
			return "Network Switch"
		case strings.Contains(details, "firewall") || strings.Contains(details, "fortigate"):
			return "Firewall"
		case strings.Contains(details, "router"):
			return "Router"
		}
		return "Network Device"
	case "Printer":
		return "Printer"
	case "VMware":
		return "Virtualization Host"
	case "Android":
		return "Mobile Device"
	}

	if numbers[161] || numbers[162] {
		return "Network Device"
	}
	if numbers[9100] || numbers[631] {
		return "Printer"
	}
	if strings.Contains(details, "server") {
		return "Server"
	}

	serverHits := 0
	for _, n := range serverPorts {
		if numbers[n] {
			serverHits++
		}
	}
	if serverHits >= 3 {
		return "Server"
	}
	for _, svc := range []string{"mysql", "postgresql", "mongodb", "http", "https", "ms-sql-s"} {
		if hasService(h.OpenPorts, svc) {
			return "Server"
		}
	}

	switch h.OSType {
	case "Windows", "macOS":
		return "Workstation"
	case "Linux":
		if len(numbers) <= 3 {
			return "Workstation"
		}
		return "Server"
	}

	switch {
	case len(numbers) >= 5:
		return "Server"
	case len(numbers) >= 1:
		return "Workstation"
	}
	return ""
}

func portSet(ports []models.Port) map[int]bool {
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p.Port] = true
	}
	return set
}

func hasService(ports []models.Port, name string) bool {
	for _, p := range ports {
		if strings.EqualFold(p.Service, name) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
