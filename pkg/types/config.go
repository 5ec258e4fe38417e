package types

import (
	"fmt"
)

// ProbeConfig is the tagged envelope for type-specific probe settings.
// Exactly one of the pointer fields is set, matching Type.
type ProbeConfig struct {
	Type      ServiceType      `json:"type"`
	Web       *WebConfig       `json:"web,omitempty"`
	TCP       *TCPConfig       `json:"tcp,omitempty"`
	Ping      *PingConfig      `json:"ping,omitempty"`
	Github    *GithubConfig    `json:"github,omitempty"`
	UptimeAPI *UptimeAPIConfig `json:"uptimeApi,omitempty"`
	Keyword   *KeywordConfig   `json:"keyword,omitempty"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
	Port      *PortConfig      `json:"port,omitempty"`
}

// WebConfig configures an HTTP(S) probe
type WebConfig struct {
	Method          string            `json:"method,omitempty"` // default GET
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	ExpectedStatus  int               `json:"expectedStatus,omitempty"` // default 2xx
	TimeoutMs       int               `json:"timeoutMs,omitempty"`
	FollowRedirects bool              `json:"followRedirects,omitempty"`
	DegradedAfterMs int               `json:"degradedAfterMs,omitempty"`
}

// TCPConfig configures a raw TCP connect probe
type TCPConfig struct {
	Port      int `json:"port"`
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// PingConfig configures an ICMP echo probe
type PingConfig struct {
	Count     int `json:"count,omitempty"` // default 3
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// GithubConfig configures a GitHub repository availability probe
type GithubConfig struct {
	Repo   string `json:"repo"` // owner/name
	Branch string `json:"branch,omitempty"`
	Token  string `json:"token,omitempty"`
}

// UptimeAPIConfig configures a probe against a third-party uptime API
type UptimeAPIConfig struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"apiKey,omitempty"`
	StatusPath string `json:"statusPath,omitempty"` // JSON path to the status field
}

// KeywordConfig configures an HTTP probe that asserts body content
type KeywordConfig struct {
	Web     WebConfig `json:"web"`
	Keyword string    `json:"keyword"`
	Absent  bool      `json:"absent,omitempty"` // up when keyword is missing
}

// HeartbeatConfig configures a passive probe: the monitored system
// pushes pings and the service goes down when they stop
type HeartbeatConfig struct {
	GraceSec int `json:"graceSec,omitempty"` // allowed silence beyond the interval
}

// PortConfig configures a multi-port reachability probe
type PortConfig struct {
	Ports     []int `json:"ports"`
	TimeoutMs int   `json:"timeoutMs,omitempty"`
}

// Validate checks that the envelope tag matches the populated variant
func (c *ProbeConfig) Validate() error {
	var set int
	var want bool
	switch c.Type {
	case ServiceTypeWeb:
		want = c.Web != nil
	case ServiceTypeTCP:
		want = c.TCP != nil
	case ServiceTypePing:
		want = c.Ping != nil
	case ServiceTypeGithub:
		want = c.Github != nil
	case ServiceTypeUptimeAPI:
		want = c.UptimeAPI != nil
	case ServiceTypeKeyword:
		want = c.Keyword != nil
	case ServiceTypeHeartbeat:
		want = c.Heartbeat != nil
	case ServiceTypePort:
		want = c.Port != nil
	default:
		return fmt.Errorf("unknown service type %q", c.Type)
	}
	for _, p := range []bool{
		c.Web != nil, c.TCP != nil, c.Ping != nil, c.Github != nil,
		c.UptimeAPI != nil, c.Keyword != nil, c.Heartbeat != nil, c.Port != nil,
	} {
		if p {
			set++
		}
	}
	if !want {
		return fmt.Errorf("config for type %q not set", c.Type)
	}
	if set > 1 {
		return fmt.Errorf("multiple configs set for type %q", c.Type)
	}
	return nil
}

// Fingerprint returns the canonical parameters that make two probes
// interchangeable for deduplication. Only fields that change what goes
// on the wire participate.
func (c *ProbeConfig) Fingerprint() map[string]any {
	fp := map[string]any{}
	switch c.Type {
	case ServiceTypeWeb:
		if c.Web != nil {
			fp["method"] = orDefault(c.Web.Method, "GET")
			if len(c.Web.Headers) > 0 {
				fp["headers"] = c.Web.Headers
			}
		} else {
			fp["method"] = "GET"
		}
	case ServiceTypeKeyword:
		if c.Keyword != nil {
			fp["method"] = orDefault(c.Keyword.Web.Method, "GET")
			if len(c.Keyword.Web.Headers) > 0 {
				fp["headers"] = c.Keyword.Web.Headers
			}
		}
	case ServiceTypeTCP:
		if c.TCP != nil {
			fp["port"] = c.TCP.Port
		}
	case ServiceTypePort:
		if c.Port != nil {
			fp["ports"] = c.Port.Ports
		}
	}
	return fp
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
