// Package diagnostics runs the in-container network probes a prefill
// session's container is given right after it starts (spec.md §4.N): an
// HTTPS reachability check against the storefront CDN and DNS resolution
// for each lancache-relevant domain, classifying resolved addresses as
// private or public. Results attach to the session for display; a probe
// failure never fails session creation.
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lancache-ops/lancache-opsd/internal/containerengine"
)

// HTTPSProbeResult is the outcome of the in-container HTTPS GET check.
type HTTPSProbeResult struct {
	URL       string `json:"url"`
	Tool      string `json:"tool"` // "wget", "curl", or "" if both failed
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// DNSProbeResult is the outcome of resolving one domain in-container.
type DNSProbeResult struct {
	Domain    string `json:"domain"`
	Tool      string `json:"tool"` // "nslookup", "getent", "ping", or "" if all failed
	Succeeded bool   `json:"succeeded"`
	Address   string `json:"address,omitempty"`
	Private   bool   `json:"private"`
	Detail    string `json:"detail,omitempty"`
}

// Result bundles every probe run for one session container.
type Result struct {
	HTTPS     HTTPSProbeResult `json:"https"`
	HTTPSIPv4 HTTPSProbeResult `json:"httpsIpv4"`
	HTTPSIPv6 HTTPSProbeResult `json:"httpsIpv6"`
	DNS       []DNSProbeResult `json:"dns"`
}

// Runner executes diagnostics via one-shot execs into a running container.
type Runner struct {
	engine *containerengine.Engine

	probeURL string
	domains  []string
}

// defaultProbeURL and defaultDomains are used when the caller passes none,
// keeping Run usable even against a zero-value config.
const defaultProbeURL = "https://steampowered.com"

var defaultDomains = []string{"steampowered.com", "steamcontent.com"}

// New builds a Runner with the given probe URL and domain list. An empty
// probeURL or nil domains fall back to Steam's own defaults.
func New(engine *containerengine.Engine) *Runner {
	return &Runner{engine: engine, probeURL: defaultProbeURL, domains: defaultDomains}
}

// WithTargets overrides the probe URL and domain list (spec.md §4.N:
// "configured lancache-relevant domain" list is operator-configurable).
func (r *Runner) WithTargets(probeURL string, domains []string) *Runner {
	if probeURL != "" {
		r.probeURL = probeURL
	}
	if len(domains) > 0 {
		r.domains = domains
	}
	return r
}

// Run executes every probe inside containerID, tolerating individual probe
// failures. It never returns an error: a probe that could not be run at
// all is simply recorded as unsuccessful.
func (r *Runner) Run(ctx context.Context, containerID string) Result {
	res := Result{
		HTTPS:     r.probeHTTPS(ctx, containerID, r.probeURL, ""),
		HTTPSIPv4: r.probeHTTPS(ctx, containerID, r.probeURL, "-4"),
		HTTPSIPv6: r.probeHTTPS(ctx, containerID, r.probeURL, "-6"),
	}
	for _, domain := range r.domains {
		res.DNS = append(res.DNS, r.probeDNS(ctx, containerID, domain))
	}
	return res
}

// probeHTTPS tries wget then curl for an HTTPS GET, passing ipFlag
// ("-4"/"-6"/"") through to whichever tool succeeds in running at all.
func (r *Runner) probeHTTPS(ctx context.Context, containerID, url, ipFlag string) HTTPSProbeResult {
	result := HTTPSProbeResult{URL: url}

	wgetArgs := []string{"wget", "--spider", "--timeout=10", "-q"}
	if ipFlag != "" {
		wgetArgs = append(wgetArgs, ipFlag)
	}
	wgetArgs = append(wgetArgs, url)
	if out, ok := r.tryExec(ctx, containerID, wgetArgs); ok {
		result.Tool = "wget"
		result.Succeeded = true
		result.Detail = out
		return result
	}

	curlArgs := []string{"curl", "--max-time", "10", "-sS", "-o", "/dev/null"}
	if ipFlag == "-4" {
		curlArgs = append(curlArgs, "-4")
	} else if ipFlag == "-6" {
		curlArgs = append(curlArgs, "-6")
	}
	curlArgs = append(curlArgs, url)
	if out, ok := r.tryExec(ctx, containerID, curlArgs); ok {
		result.Tool = "curl"
		result.Succeeded = true
		result.Detail = out
		return result
	}

	result.Detail = "neither wget nor curl succeeded"
	return result
}

// probeDNS resolves domain in-container via nslookup, falling back to
// getent and finally ping, classifying the first address found.
func (r *Runner) probeDNS(ctx context.Context, containerID, domain string) DNSProbeResult {
	result := DNSProbeResult{Domain: domain}

	if out, ok := r.tryExec(ctx, containerID, []string{"nslookup", domain}); ok {
		if addr := parseNslookup(out); addr != "" {
			return classify(result, "nslookup", addr, out)
		}
	}
	if out, ok := r.tryExec(ctx, containerID, []string{"getent", "hosts", domain}); ok {
		if addr := parseGetent(out); addr != "" {
			return classify(result, "getent", addr, out)
		}
	}
	if out, ok := r.tryExec(ctx, containerID, []string{"ping", "-c", "1", "-W", "2", domain}); ok {
		if addr := parsePing(out); addr != "" {
			return classify(result, "ping", addr, out)
		}
	}

	result.Detail = "nslookup, getent and ping all failed to resolve " + domain
	return result
}

func classify(result DNSProbeResult, tool, addr, detail string) DNSProbeResult {
	result.Tool = tool
	result.Succeeded = true
	result.Address = addr
	result.Detail = detail
	result.Private = isPrivateAddress(addr)
	return result
}

// tryExec runs cmd in containerID and reports success only when the exec
// itself completed and the process exited zero.
func (r *Runner) tryExec(ctx context.Context, containerID string, cmd []string) (string, bool) {
	execCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	res, err := r.engine.Exec(execCtx, containerID, cmd)
	if err != nil {
		return "", false
	}
	if res.ExitCode != 0 {
		return res.Stdout + res.Stderr, false
	}
	return res.Stdout, true
}

// parseNslookup pulls the first "Address: <ip>" line after the header
// block that isn't the resolver's own address.
func parseNslookup(out string) string {
	lines := strings.Split(out, "\n")
	seenBlank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			seenBlank = true
			continue
		}
		if !seenBlank {
			continue
		}
		if addr, ok := strings.CutPrefix(line, "Address: "); ok {
			return strings.TrimSpace(addr)
		}
		if addr, ok := strings.CutPrefix(line, "Address 1: "); ok {
			return strings.TrimSpace(addr)
		}
	}
	return ""
}

// parseGetent reads the first whitespace-separated field of getent's
// "<address> <host>" output.
func parseGetent(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parsePing extracts the address from ping's "PING host (1.2.3.4)" banner.
func parsePing(out string) string {
	start := strings.Index(out, "(")
	end := strings.Index(out, ")")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(out[start+1 : end])
}

// isPrivateAddress classifies addr as RFC 1918 / IPv6 ULA / link-local, vs
// public (spec.md §4.N).
func isPrivateAddress(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLoopback()
}

// String renders a Result for a one-line log message.
func (res Result) String() string {
	return fmt.Sprintf("https=%v dns=%d/%d", res.HTTPS.Succeeded, countSucceeded(res.DNS), len(res.DNS))
}

func countSucceeded(results []DNSProbeResult) int {
	n := 0
	for _, r := range results {
		if r.Succeeded {
			n++
		}
	}
	return n
}
