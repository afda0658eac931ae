package authgate

import (
	"log/slog"
	"strconv"
	"time"
)

// Protocol selects which front end a worker speaks with the MTA.
type Protocol string

const (
	ProtocolMilter Protocol = "milter"
	ProtocolSMTP   Protocol = "smtp"
)

// Listener is one connection spec of the form inet:PORT@HOST or unix:PATH,
// per §6.
type Listener struct {
	Name  string // key in Config.Connections; empty for the primary Connection
	Spec  string
	Umask uint32
}

// Config holds the effective configuration for one authgate daemon
// instance — the object §4.A calls the "Config & Handler Registry"
// component's state half (registry discovery itself is handled by
// Register/Activate in registry.go). No file parser is implemented here;
// this struct is what one would populate.
type Config struct {
	// LoadHandlers is the ordered list of handler names to activate. An
	// unknown name is fatal at worker startup (§4.A).
	LoadHandlers []string

	// HandlerOptions holds each handler's option subtree, keyed by handler
	// name. Handlers decode their own subtree during Setup.
	HandlerOptions map[string]map[string]any

	// Connection is the primary data-port listener spec. At least one is
	// required (§6).
	Connection string
	// Connections holds additional named listeners.
	Connections map[string]Listener

	// MetricConnection exposes metric scrapes on a separate listener,
	// multiplexed onto the same accept loop as the data ports (§4.I, §4.J).
	MetricConnection string
	// MetricPort / MetricHost are deprecated legacy aliases for
	// MetricConnection (§6); set via config and merged into
	// MetricConnection with a deprecation warning at load time.
	MetricPort int
	MetricHost string

	// Worker sizing, §4.A. Defaults: 20/100/10/20/200/20.
	MinChildren         int
	MaxChildren         int
	MinSpareChildren    int
	MaxSpareChildren    int
	MaxRequestsPerChild int
	ListenBacklog       int

	// LeaveChildrenOpenOnHUP controls whether SIGHUP restarts existing
	// workers or only changes what future workers are spawned with (§4.I).
	LeaveChildrenOpenOnHUP bool

	// RestartDelay and RestartStormWindow/RestartStormThreshold implement
	// §4.I's restart loop and §8's restart-throttle invariant: abandon if
	// RestartStormThreshold or more restarts occur within
	// RestartStormWindow.
	RestartDelay         time.Duration
	RestartStormWindow   time.Duration
	RestartStormThreshold int

	// ErrorLogPath is opened before privilege drop and chowned to RunAs
	// (§6).
	ErrorLogPath string

	// RunAs / RunGroup / Chroot implement the privilege-drop sequence in
	// §4.I and §6.
	RunAs    string
	RunGroup string
	Chroot   string

	// Debug enables verbose per-handler debug logging.
	Debug bool

	// Protocol selects the milter or SMTP front end (§4.A).
	Protocol Protocol

	// LocalCIDRs and TrustedCIDRs classify ClientIP for
	// Context.IsLocalIP / IsTrustedIP (§3).
	LocalCIDRs   []string
	TrustedCIDRs []string

	// MessageDeadline bounds the overall per-message processing time (§5);
	// exceeding it converts the in-flight handler's outcome to temperror.
	MessageDeadline time.Duration
	// DNSQueryTimeout bounds each individual DNS lookup (§4.B, §5).
	DNSQueryTimeout time.Duration
	// DNSCacheSize bounds the per-worker LRU resolver cache (§4.B, §5).
	DNSCacheSize int
}

// DefaultConfig returns a Config with the numeric defaults from §4.A
// (20/100/10/20/200/20) and the timeouts implied by §5, matching the
// teacher's DefaultServerConfig/SubmissionConfig pattern of one function per
// deployment profile.
func DefaultConfig() Config {
	return Config{
		MinChildren:           20,
		MaxChildren:           100,
		MinSpareChildren:      10,
		MaxSpareChildren:      20,
		MaxRequestsPerChild:   200,
		ListenBacklog:         20,
		RestartDelay:          10 * time.Second,
		RestartStormWindow:    120 * time.Second,
		RestartStormThreshold: 4,
		Protocol:              ProtocolMilter,
		MessageDeadline:       60 * time.Second,
		DNSQueryTimeout:       5 * time.Second,
		DNSCacheSize:          4096,
	}
}

// resolveMetricConnection merges the deprecated MetricPort/MetricHost
// aliases into MetricConnection if the latter is unset, per §6. Returns
// whether a deprecated alias was in use, so the caller can log the
// deprecation warning (Config itself does not log).
func (c *Config) resolveMetricConnection() (usedLegacyAlias bool) {
	if c.MetricConnection != "" {
		return false
	}
	if c.MetricPort == 0 {
		return false
	}
	host := c.MetricHost
	if host == "" {
		host = "127.0.0.1"
	}
	c.MetricConnection = "inet:" + strconv.Itoa(c.MetricPort) + "@" + host
	return true
}

// Normalize resolves deprecated config aliases in place and logs a warning
// for each one found, via logger (or slog.Default if nil). Call it once
// after populating Config and before starting the supervisor.
func (c *Config) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.resolveMetricConnection() {
		logger.Warn("metric_port/metric_host are deprecated, use metric_connection",
			slog.String("resolved", c.MetricConnection))
	}
}
