package utils

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// syscallSignalZero is signal 0: sending it performs the OS existence/
// permission check without actually signaling the process.
const syscallSignalZero = syscall.Signal(0)

func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	// Extract IP from the address
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		// Try to parse from string representation
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
// This works for both string validation (addresses, headers) and message content validation.
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// GenerateID creates a unique, lexicographically-sortable connection or
// queue identifier. ULIDs embed a millisecond timestamp, so IDs generated
// moments apart sort in generation order even under concurrent use.
func GenerateID() string {
	return ulid.Make().String()
}

// IsMasterRunning reports whether the pid recorded in pidFile belongs to a
// live process whose command line is ident. If the OS won't expose a
// process's command line, the pid's mere presence in the process table is
// taken as sufficient, per the two-branch rule the CLI status check
// implements.
func IsMasterRunning(pidFile, ident string) bool {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscallSignalZero); err != nil {
		return false
	}

	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// No /proc on this OS: pid-in-process-table alone is sufficient.
		return true
	}
	fields := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
	return len(fields) > 0 && fields[0] == ident
}
