package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeConfigValidate(t *testing.T) {
	valid := []ProbeConfig{
		{Type: ServiceTypeWeb, Web: &WebConfig{}},
		{Type: ServiceTypeTCP, TCP: &TCPConfig{Port: 5432}},
		{Type: ServiceTypePort, Port: &PortConfig{Ports: []int{80, 443}}},
		{Type: ServiceTypeHeartbeat, Heartbeat: &HeartbeatConfig{GraceSec: 60}},
	}
	for _, c := range valid {
		assert.NoError(t, c.Validate(), string(c.Type))
	}
}

func TestProbeConfigValidateRejectsMismatch(t *testing.T) {
	c := ProbeConfig{Type: ServiceTypeWeb, TCP: &TCPConfig{Port: 22}}
	require.Error(t, c.Validate())

	c = ProbeConfig{Type: "carrier-pigeon"}
	require.Error(t, c.Validate())

	c = ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{}, TCP: &TCPConfig{Port: 22}}
	require.Error(t, c.Validate())
}

func TestFingerprintIgnoresDisplayOnlyFields(t *testing.T) {
	a := ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{TimeoutMs: 5000, DegradedAfterMs: 2000}}
	b := ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{TimeoutMs: 9000}}

	// Timeouts and degradation thresholds are evaluated locally and do
	// not change the request on the wire.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintSeparatesDistinctRequests(t *testing.T) {
	get := ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{}}
	head := ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{Method: "HEAD"}}
	assert.NotEqual(t, get.Fingerprint(), head.Fingerprint())

	pg := ProbeConfig{Type: ServiceTypeTCP, TCP: &TCPConfig{Port: 5432}}
	redis := ProbeConfig{Type: ServiceTypeTCP, TCP: &TCPConfig{Port: 6379}}
	assert.NotEqual(t, pg.Fingerprint(), redis.Fingerprint())
}

func TestFingerprintDefaultsMethod(t *testing.T) {
	implicit := ProbeConfig{Type: ServiceTypeWeb}
	explicit := ProbeConfig{Type: ServiceTypeWeb, Web: &WebConfig{Method: "GET"}}
	assert.Equal(t, implicit.Fingerprint(), explicit.Fingerprint())
}
