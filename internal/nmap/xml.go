package nmap

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/metorial/capture-core/internal/models"
)

type xmlRun struct {
	XMLName xml.Name  `xml:"nmaprun"`
	Hosts   []xmlHost `xml:"host"`
}

type xmlHost struct {
	Status    *xmlStatus    `xml:"status"`
	Addresses []xmlAddress  `xml:"address"`
	Hostnames []xmlHostname `xml:"hostnames>hostname"`
	Ports     []xmlPort     `xml:"ports>port"`
	OSMatches []xmlOSMatch  `xml:"os>osmatch"`
	OSClasses []xmlOSClass  `xml:"os>osclass"`
}

type xmlStatus struct {
	State string `xml:"state,attr"`
}

type xmlAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
	Vendor   string `xml:"vendor,attr"`
}

type xmlHostname struct {
	Name string `xml:"name,attr"`
}

type xmlPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   int         `xml:"portid,attr"`
	State    xmlStatus   `xml:"state"`
	Service  *xmlService `xml:"service"`
}

type xmlService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

type xmlOSMatch struct {
	Name    string       `xml:"name,attr"`
	Classes []xmlOSClass `xml:"osclass"`
}

type xmlOSClass struct {
	Type     string `xml:"type,attr"`
	Vendor   string `xml:"vendor,attr"`
	OSFamily string `xml:"osfamily,attr"`
	OSGen    string `xml:"osgen,attr"`
}

func parseXML(doc string) (Result, error) {
	var run xmlRun
	if err := xml.Unmarshal([]byte(doc), &run); err != nil {
		return Result{}, fmt.Errorf("decode nmap xml: %w", err)
	}

	result := Result{Format: FormatXML, Hosts: []models.HostRecord{}}
	for _, xh := range run.Hosts {
		if xh.Status != nil && xh.Status.State != "up" {
			continue
		}

		host, target := convertXMLHost(xh)
		if host.IP == "" {
			result.Skipped = append(result.Skipped, Skipped{Target: target, Reason: "no ip address in host block"})
			continue
		}
		finishHost(&host)
		result.Hosts = append(result.Hosts, host)
	}

	return result, nil
}

func convertXMLHost(xh xmlHost) (models.HostRecord, string) {
	var host models.HostRecord
	var ipv6, target string

	for _, addr := range xh.Addresses {
		switch addr.AddrType {
		case "ipv4":
			host.IP = normalizeIP(addr.Addr)
		case "ipv6":
			ipv6 = normalizeIP(addr.Addr)
		case "mac":
			host.MACAddress = strings.ToUpper(addr.Addr)
			host.Vendor = addr.Vendor
		}
		if target == "" {
			target = addr.Addr
		}
	}
	if host.IP == "" {
		host.IP = ipv6
	}

	if len(xh.Hostnames) > 0 {
		host.Hostname = xh.Hostnames[0].Name
		if target == "" {
			target = host.Hostname
		}
	}

	var class *xmlOSClass
	if len(xh.OSMatches) > 0 {
		host.OSDetails = xh.OSMatches[0].Name
		if len(xh.OSMatches[0].Classes) > 0 {
			class = &xh.OSMatches[0].Classes[0]
		}
	} else if len(xh.OSClasses) > 0 {
		class = &xh.OSClasses[0]
		host.OSDetails = strings.TrimSpace(class.OSFamily + " " + class.OSGen)
	}
	if class != nil && class.Type != "" && class.Type != "general purpose" {
		host.DeviceType = class.Type
	}

	for _, xp := range xh.Ports {
		if xp.State.State != "open" {
			continue
		}
		port := models.Port{Port: xp.PortID, Protocol: xp.Protocol}
		if port.Protocol == "" {
			port.Protocol = "tcp"
		}
		if xp.Service != nil {
			port.Service = xp.Service.Name
			port.Version = strings.TrimSpace(xp.Service.Product + " " + xp.Service.Version)
		}
		host.OpenPorts = append(host.OpenPorts, port)
	}

	return host, target
}
