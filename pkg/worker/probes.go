package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/types"
)

const (
	defaultProbeTimeout = 10 * time.Second
	defaultDegradedMs   = 3000
	maxBodyScan         = 1 << 20 // keyword search reads at most 1 MiB
)

// Prober executes one probe command and classifies the outcome
type Prober struct {
	client *http.Client
}

// NewProber creates a prober with a dedicated HTTP client that does
// not follow redirects unless a probe opts in
func NewProber() *Prober {
	return &Prober{
		client: &http.Client{
			Timeout: defaultProbeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Execute runs the probe described by cmd and returns its outcome, or
// nil for passive types that have nothing to probe. The result never
// carries worker attribution; the agent fills that in before
// publishing.
func (p *Prober) Execute(ctx context.Context, cmd *bus.CheckCommand) *types.ProbeResult {
	result := &types.ProbeResult{
		ServiceID: cmd.ServiceID,
		NestID:    cmd.NestID,
		CacheKey:  cmd.CacheKey,
	}

	started := time.Now()
	var status types.ProbeStatus
	var err error

	switch cmd.Type {
	case types.ServiceTypeWeb:
		status, err = p.probeWeb(ctx, cmd.Target, webConfig(cmd))
	case types.ServiceTypeKeyword:
		status, err = p.probeKeyword(ctx, cmd.Target, cmd.Config.Keyword)
	case types.ServiceTypeTCP:
		status, err = probeTCP(ctx, cmd.Target, cmd.Config.TCP)
	case types.ServiceTypePort:
		status, err = probePorts(ctx, cmd.Target, cmd.Config.Port)
	case types.ServiceTypePing:
		status, err = probePing(ctx, cmd.Target, cmd.Config.Ping)
	case types.ServiceTypeGithub:
		status, err = p.probeGithub(ctx, cmd.Target, cmd.Config.Github)
	case types.ServiceTypeUptimeAPI:
		status, err = p.probeUptimeAPI(ctx, cmd.Target, cmd.Config.UptimeAPI)
	case types.ServiceTypeHeartbeat:
		// Passive type: the monitored system pushes pings; nothing for
		// a worker to probe
		return nil
	default:
		status, err = types.ProbeStatusDown, fmt.Errorf("unknown service type %q", cmd.Type)
	}

	elapsed := time.Since(started)
	result.Status = status
	result.ResponseTime = int(elapsed.Milliseconds())
	result.Timestamp = time.Now().UnixMilli()
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func webConfig(cmd *bus.CheckCommand) *types.WebConfig {
	if cmd.Config.Web != nil {
		return cmd.Config.Web
	}
	return &types.WebConfig{}
}

func (p *Prober) probeWeb(ctx context.Context, target string, cfg *types.WebConfig) (types.ProbeStatus, error) {
	status, _, err := p.fetch(ctx, target, cfg)
	return status, err
}

func (p *Prober) probeKeyword(ctx context.Context, target string, cfg *types.KeywordConfig) (types.ProbeStatus, error) {
	if cfg == nil {
		return types.ProbeStatusDown, fmt.Errorf("keyword probe without config")
	}
	status, body, err := p.fetch(ctx, target, &cfg.Web)
	if err != nil {
		return status, err
	}
	found := strings.Contains(body, cfg.Keyword)
	if found == cfg.Absent {
		if cfg.Absent {
			return types.ProbeStatusDown, fmt.Errorf("forbidden keyword %q present", cfg.Keyword)
		}
		return types.ProbeStatusDown, fmt.Errorf("keyword %q not found", cfg.Keyword)
	}
	return status, nil
}

// fetch performs the HTTP request shared by web and keyword probes and
// returns the classification plus the (bounded) body
func (p *Prober) fetch(ctx context.Context, target string, cfg *types.WebConfig) (types.ProbeStatus, string, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(cfg.Body))
	if err != nil {
		return types.ProbeStatusDown, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := p.client
	if cfg.FollowRedirects {
		client = &http.Client{Timeout: p.client.Timeout}
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return types.ProbeStatusDown, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyScan))
	elapsed := time.Since(started)

	if cfg.ExpectedStatus != 0 {
		if resp.StatusCode != cfg.ExpectedStatus {
			return types.ProbeStatusDown, string(body), fmt.Errorf("status %d, expected %d", resp.StatusCode, cfg.ExpectedStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.ProbeStatusDown, string(body), fmt.Errorf("status %d", resp.StatusCode)
	}

	degradedAfter := cfg.DegradedAfterMs
	if degradedAfter == 0 {
		degradedAfter = defaultDegradedMs
	}
	if elapsed.Milliseconds() > int64(degradedAfter) {
		return types.ProbeStatusDegraded, string(body), nil
	}
	return types.ProbeStatusUp, string(body), nil
}

func probeTCP(ctx context.Context, target string, cfg *types.TCPConfig) (types.ProbeStatus, error) {
	address := target
	timeout := defaultProbeTimeout
	if cfg != nil {
		if cfg.Port > 0 {
			address = net.JoinHostPort(hostOnly(target), fmt.Sprint(cfg.Port))
		}
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
	}
	return dial(ctx, address, timeout)
}

func probePorts(ctx context.Context, target string, cfg *types.PortConfig) (types.ProbeStatus, error) {
	if cfg == nil || len(cfg.Ports) == 0 {
		return types.ProbeStatusDown, fmt.Errorf("port probe without ports")
	}
	timeout := defaultProbeTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	host := hostOnly(target)
	var closed []string
	for _, port := range cfg.Ports {
		if st, err := dial(ctx, net.JoinHostPort(host, fmt.Sprint(port)), timeout); st != types.ProbeStatusUp {
			closed = append(closed, fmt.Sprintf("%d (%v)", port, err))
		}
	}
	switch {
	case len(closed) == 0:
		return types.ProbeStatusUp, nil
	case len(closed) < len(cfg.Ports):
		return types.ProbeStatusDegraded, fmt.Errorf("ports unreachable: %s", strings.Join(closed, ", "))
	default:
		return types.ProbeStatusDown, fmt.Errorf("all ports unreachable: %s", strings.Join(closed, ", "))
	}
}

// probePing approximates ICMP reachability with a TCP connect to the
// echo of common ports; raw ICMP needs privileges most agents lack
func probePing(ctx context.Context, target string, cfg *types.PingConfig) (types.ProbeStatus, error) {
	timeout := defaultProbeTimeout
	count := 3
	if cfg != nil {
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		if cfg.Count > 0 {
			count = cfg.Count
		}
	}

	host := hostOnly(target)
	var lastErr error
	for i := 0; i < count; i++ {
		for _, port := range []string{"443", "80"} {
			st, err := dial(ctx, net.JoinHostPort(host, port), timeout)
			if st == types.ProbeStatusUp {
				return types.ProbeStatusUp, nil
			}
			lastErr = err
		}
	}
	return types.ProbeStatusDown, lastErr
}

func (p *Prober) probeGithub(ctx context.Context, target string, cfg *types.GithubConfig) (types.ProbeStatus, error) {
	repo := target
	if cfg != nil && cfg.Repo != "" {
		repo = cfg.Repo
	}
	url := "https://api.github.com/repos/" + repo
	if cfg != nil && cfg.Branch != "" {
		url += "/branches/" + cfg.Branch
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.ProbeStatusDown, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if cfg != nil && cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return types.ProbeStatusDown, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyScan))
	if resp.StatusCode != http.StatusOK {
		return types.ProbeStatusDown, fmt.Errorf("github api status %d", resp.StatusCode)
	}
	return types.ProbeStatusUp, nil
}

func (p *Prober) probeUptimeAPI(ctx context.Context, target string, cfg *types.UptimeAPIConfig) (types.ProbeStatus, error) {
	endpoint := target
	if cfg != nil && cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.ProbeStatusDown, fmt.Errorf("build request: %w", err)
	}
	if cfg != nil && cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return types.ProbeStatusDown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.ProbeStatusDown, fmt.Errorf("uptime api status %d", resp.StatusCode)
	}

	statusField := "status"
	if cfg != nil && cfg.StatusPath != "" {
		statusField = cfg.StatusPath
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyScan)).Decode(&payload); err != nil {
		// Not JSON: a 2xx answer alone counts as up
		return types.ProbeStatusUp, nil
	}
	if raw, ok := payload[statusField].(string); ok {
		switch strings.ToLower(raw) {
		case "up", "ok", "operational", "healthy":
			return types.ProbeStatusUp, nil
		case "degraded", "partial":
			return types.ProbeStatusDegraded, nil
		default:
			return types.ProbeStatusDown, fmt.Errorf("upstream reports %q", raw)
		}
	}
	return types.ProbeStatusUp, nil
}

func dial(ctx context.Context, address string, timeout time.Duration) (types.ProbeStatus, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return types.ProbeStatusDown, err
	}
	_ = conn.Close()
	return types.ProbeStatusUp, nil
}

// hostOnly strips a port and URL scheme from a target if present
func hostOnly(target string) string {
	s := target
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/"); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
