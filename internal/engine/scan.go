package engine

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"codegate/internal/audit"
)

// Scanner checks submitted source against known-dangerous constructs before
// any container is created. This is a cheap fail-fast pre-filter layered in
// front of the real isolation (namespaces, seccomp, cgroups); a static scan
// can always be evaded and must never be the sole defense.
type Scanner struct {
	patterns []ScanPattern
}

// ScanPattern defines one disallowed construct.
type ScanPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    audit.Severity
}

// Finding is one matched pattern.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewScanner creates a scanner with the default pattern set.
func NewScanner() *Scanner {
	return &Scanner{patterns: defaultPatterns()}
}

// Scan checks source line by line and returns all findings. Any finding
// blocks execution.
func (s *Scanner) Scan(source string) []Finding {
	var findings []Finding

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, p := range s.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("disallowed construct in submitted source")
			}
		}
	}

	return findings
}

func defaultPatterns() []ScanPattern {
	return []ScanPattern{
		{
			Name:        "raw_socket",
			Description: "Raw socket creation or low-level network primitives",
			Regex:       regexp.MustCompile(`(?i)(socket\.socket|net\.Dial|new\s+net\.Socket|AF_INET|SOCK_RAW|SOCK_STREAM)`),
			Severity:    audit.SeverityHigh,
		},
		{
			Name:        "process_spawn",
			Description: "Spawning subprocesses from within the snippet",
			Regex:       regexp.MustCompile(`(?i)(subprocess\.(run|call|Popen)|os\.system|os\.exec[lv]p?e?|child_process|execSync|spawnSync)`),
			Severity:    audit.SeverityHigh,
		},
		{
			Name:        "dynamic_import",
			Description: "Dynamic import of restricted modules",
			Regex:       regexp.MustCompile(`__import__\s*\(|importlib\.import_module|require\s*\(\s*['"](child_process|net|dgram|cluster)['"]`),
			Severity:    audit.SeverityHigh,
		},
		{
			Name:        "filesystem_escape",
			Description: "Path traversal outside the workspace",
			Regex:       regexp.MustCompile(`\.\./\.\./|/etc/(passwd|shadow|hosts)|/proc/self/(root|exe|fd|ns|maps|environ)`),
			Severity:    audit.SeverityCritical,
		},
		{
			Name:        "container_breakout",
			Description: "Container breakout via cgroup interfaces",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    audit.SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "Access to host container runtime sockets",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|docker\.sock|containerd\.sock`),
			Severity:    audit.SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Reaching for a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    audit.SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell construction",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    audit.SeverityCritical,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Process tracing or memory injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    audit.SeverityCritical,
		},
		{
			Name:        "env_harvest",
			Description: "Bulk environment harvesting",
			Regex:       regexp.MustCompile(`os\.environ\b|process\.env\b.*JSON|printenv|/proc/\d+/environ`),
			Severity:    audit.SeverityMedium,
		},
	}
}
