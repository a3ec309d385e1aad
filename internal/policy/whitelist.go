// Package policy decides which command lines may be executed or recorded.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrRejected = errors.New("command rejected by whitelist")

// DefaultAllowed is the tool allow-list shipped with the executor container.
var DefaultAllowed = []string{
	// reconnaissance
	"nmap", "masscan", "amass", "theharvester", "whatweb", "dnsrecon", "fierce",
	"dig", "nslookup", "host", "whois", "recon-ng", "dmitry", "dnsenum",
	"enum4linux", "nbtscan", "onesixtyone", "smbclient", "snmp-check", "wafw00f",
	// web testing
	"nikto", "gobuster", "dirb", "sqlmap", "wpscan", "curl", "wget", "wfuzz", "ffuf",
	"cadaver", "davtest", "skipfish", "uniscan", "wapiti", "commix", "joomscan", "droopescan",
	// wireless
	"aircrack-ng", "airodump-ng", "aireplay-ng", "airmon-ng", "wifite", "reaver", "bully", "kismet",
	// passwords
	"hydra", "medusa", "john", "hashcat", "ncrack", "patator", "crunch", "cewl", "hashid",
	// network utilities
	"ping", "traceroute", "netcat", "nc", "tcpdump", "tshark", "ettercap", "bettercap",
	"responder", "arpspoof", "hping3", "arping", "fping", "unicornscan",
	// exploitation
	"searchsploit", "msfconsole", "msfvenom", "crackmapexec", "evil-winrm", "routersploit",
	// forensics and reversing
	"volatility", "binwalk", "foremost", "radare2", "r2", "gdb", "objdump", "strings",
	"hexdump", "xxd", "file", "readelf", "exiftool",
	// system info
	"ls", "cat", "head", "tail", "grep", "find", "pwd", "whoami", "id", "echo", "printf",
	"uname", "hostname", "ip", "ifconfig", "netstat", "ss", "route",
	// tunnels and misc
	"openvpn", "ssh", "sshuttle", "proxychains", "socat", "openssl", "gpg", "chisel",
	"python", "python3",
}

// DefaultBlocked are destructive patterns refused even for allowed tools.
var DefaultBlocked = []string{
	`rm\s+-rf\s+/`,
	`mkfs`,
	`dd\s+if=`,
	`>\s*/dev/`,
	`chmod\s+777\s+/`,
	`shutdown`, `reboot`, `halt`,
	`kill\s+-9\s+-1`,
}

type Whitelist struct {
	allowAll bool
	allowed  map[string]bool
	blocked  []*regexp.Regexp
}

// NewWhitelist builds a whitelist from base command names and blocked
// regular expressions. An allowed entry of "*" admits every base command.
func NewWhitelist(allowed, blocked []string) (*Whitelist, error) {
	w := &Whitelist{allowed: make(map[string]bool, len(allowed))}
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "*" {
			w.allowAll = true
			continue
		}
		w.allowed[name] = true
	}

	for _, pattern := range blocked {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", pattern, err)
		}
		w.blocked = append(w.blocked, re)
	}

	return w, nil
}

func DefaultWhitelist() *Whitelist {
	w, err := NewWhitelist(DefaultAllowed, DefaultBlocked)
	if err != nil {
		panic(err)
	}
	return w
}

// AllowAll admits every command except blocked patterns.
func AllowAll() *Whitelist {
	w, err := NewWhitelist([]string{"*"}, DefaultBlocked)
	if err != nil {
		panic(err)
	}
	return w
}

// Validate returns nil when cmdline may run, or an error wrapping ErrRejected.
func (w *Whitelist) Validate(cmdline string) error {
	base := BaseCommand(cmdline)
	if base == "" {
		return fmt.Errorf("%w: empty command", ErrRejected)
	}

	for _, re := range w.blocked {
		if re.MatchString(cmdline) {
			return fmt.Errorf("%w: blocked pattern %s", ErrRejected, re.String())
		}
	}

	if !w.allowAll && !w.allowed[base] {
		return fmt.Errorf("%w: %q not in allowed list", ErrRejected, base)
	}
	return nil
}

// BaseCommand is the basename of the first token of cmdline.
func BaseCommand(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}
