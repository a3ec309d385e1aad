package commander

import (
	"sort"
	"time"

	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/nmap"
)

// mergeHost folds a fresh observation into an existing record. Ports are a
// union keyed by port and protocol, non-empty observed values win, and the
// first-seen time is kept. OS and device type are only ever inferred from the
// merged record, never carried over from one scan's guess. The returned flag
// reports a material change; advancing lastSeenAt or retagging the source
// alone does not count.
func mergeHost(existing models.HostRecord, obs models.HostRecord, now time.Time) (models.HostRecord, bool) {
	merged := existing
	changed := false

	overwrite := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	overwrite(&merged.Hostname, obs.Hostname)
	overwrite(&merged.OSDetails, obs.OSDetails)
	overwrite(&merged.ReportedOSType, obs.ReportedOSType)
	overwrite(&merged.ReportedDeviceType, obs.ReportedDeviceType)
	overwrite(&merged.MACAddress, obs.MACAddress)
	overwrite(&merged.Vendor, obs.Vendor)

	if obs.Source != "" {
		merged.Source = obs.Source
	}

	ports := make([]models.Port, len(existing.OpenPorts))
	copy(ports, existing.OpenPorts)
	index := make(map[models.PortKey]int, len(ports))
	for i, p := range ports {
		index[p.Key()] = i
	}
	for _, p := range obs.OpenPorts {
		i, ok := index[p.Key()]
		if !ok {
			index[p.Key()] = len(ports)
			ports = append(ports, p)
			changed = true
			continue
		}
		if p.Service != "" && ports[i].Service != p.Service {
			ports[i].Service = p.Service
			changed = true
		}
		if p.Version != "" && ports[i].Version != p.Version {
			ports[i].Version = p.Version
			changed = true
		}
	}
	sortPorts(ports)
	merged.OpenPorts = ports

	nmap.Classify(&merged)
	if merged.OSType != existing.OSType || merged.DeviceType != existing.DeviceType {
		changed = true
	}

	if now.After(merged.LastSeenAt) {
		merged.LastSeenAt = now
	}

	return merged, changed
}

func sortPorts(ports []models.Port) {
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Port != ports[j].Port {
			return ports[i].Port < ports[j].Port
		}
		return ports[i].Protocol < ports[j].Protocol
	})
}
