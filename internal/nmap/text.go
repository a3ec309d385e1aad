package nmap

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/metorial/capture-core/internal/models"
)

var (
	reportRe      = regexp.MustCompile(`^Nmap scan report for (?:(\S+) \(([^)]+)\)|(\S+))\s*$`)
	portRe        = regexp.MustCompile(`^(\d+)/(tcp|udp|sctp)\s+(\S+)\s+(\S+)(?:\s+(.*))?$`)
	macRe         = regexp.MustCompile(`(?i)^MAC Address:\s+([0-9A-F:]{17})(?:\s+\((.+)\))?`)
	osRe          = regexp.MustCompile(`^(?:OS details|Running(?: \(JUST GUESSING\))?|Aggressive OS guesses):\s+(.+)$`)
	scriptOSRe    = regexp.MustCompile(`^\|\s+OS:\s+(.+)$`)
	serviceInfoRe = regexp.MustCompile(`^Service Info:.*\bOS: ([^;]+)`)
	deviceRe      = regexp.MustCompile(`^Device type:\s+(.+)$`)
)

type textHost struct {
	host   models.HostRecord
	target string
	down   bool
}

func parseText(output string) Result {
	result := Result{Format: FormatText, Hosts: []models.HostRecord{}}

	var current *textHost
	flush := func() {
		if current == nil || current.down {
			return
		}
		if current.host.IP == "" {
			result.Skipped = append(result.Skipped, Skipped{Target: current.target, Reason: "no resolvable ip address"})
			return
		}
		finishHost(&current.host)
		result.Hosts = append(result.Hosts, current.host)
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		if m := reportRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			current = &textHost{}
			if m[2] != "" {
				current.host.Hostname = m[1]
				current.target = m[2]
				current.host.IP = normalizeIP(m[2])
			} else {
				current.target = m[3]
				current.host.IP = normalizeIP(m[3])
			}
			continue
		}

		if current == nil {
			continue
		}

		if strings.HasPrefix(trimmed, "Host is down") || strings.HasPrefix(trimmed, "Host seems down") {
			current.down = true
			continue
		}

		if m := portRe.FindStringSubmatch(trimmed); m != nil {
			if m[3] != "open" {
				continue
			}
			port, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			current.host.OpenPorts = append(current.host.OpenPorts, models.Port{
				Port:     port,
				Protocol: m[2],
				Service:  m[4],
				Version:  strings.TrimSpace(m[5]),
			})
			continue
		}

		if m := macRe.FindStringSubmatch(trimmed); m != nil {
			current.host.MACAddress = strings.ToUpper(m[1])
			current.host.Vendor = m[2]
			continue
		}

		if m := deviceRe.FindStringSubmatch(trimmed); m != nil {
			current.host.DeviceType = strings.TrimSpace(m[1])
			continue
		}

		var osInfo string
		if m := osRe.FindStringSubmatch(trimmed); m != nil {
			osInfo = m[1]
		} else if m := scriptOSRe.FindStringSubmatch(trimmed); m != nil {
			osInfo = m[1]
		} else if m := serviceInfoRe.FindStringSubmatch(trimmed); m != nil {
			osInfo = m[1]
		}
		if osInfo = strings.TrimSpace(osInfo); osInfo != "" {
			switch {
			case current.host.OSDetails == "":
				current.host.OSDetails = osInfo
			case !strings.Contains(current.host.OSDetails, osInfo):
				current.host.OSDetails += "; " + osInfo
			}
		}
	}
	flush()

	return result
}
