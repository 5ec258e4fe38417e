package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nestwatch/nestwatch/pkg/types"
)

// Exchange names declared idempotently at startup
const (
	ExchangeWorkerCommands    = "worker_commands"    // direct, persistent messages
	ExchangeMonitoringResults = "monitoring_results" // direct
	ExchangeWorkerHeartbeat   = "worker_heartbeat"   // fanout
	DeadLetterQueue           = "worker.dlq"
)

// Routing keys
const (
	KeyCheckServiceOnce = "check_service_once"
	KeyMonitorService   = "monitor_service"
	KeyStopMonitoring   = "stop_monitoring"
	KeyCheckCompleted   = "check_completed"
)

// RegionKey returns the region-scoped routing key for probe commands
func RegionKey(region string) string {
	return KeyCheckServiceOnce + "." + region
}

// WorkerQueue returns the per-worker command queue name
func WorkerQueue(region, workerID string) string {
	return fmt.Sprintf("worker.%s.%s", region, workerID)
}

// Envelope is the outer shape of every command message
type Envelope struct {
	Command   string          `json:"command"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// NewEnvelope wraps data in a command envelope
func NewEnvelope(command string, data interface{}, timestamp int64) (*Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", command, err)
	}
	return &Envelope{Command: command, Data: b, Timestamp: timestamp}, nil
}

// CheckCommand is the payload of a check_service_once command
type CheckCommand struct {
	ServiceID   string            `json:"serviceId"`
	NestID      string            `json:"nestId"`
	Type        types.ServiceType `json:"type"`
	Target      string            `json:"target"`
	Config      types.ProbeConfig `json:"config"`
	IntervalSec int               `json:"intervalSec,omitempty"`
	Regions     []string          `json:"regions,omitempty"`
	CacheKey    string            `json:"cacheKey"`
}

// MonitorServiceCommand is the payload of a monitor_service command
type MonitorServiceCommand struct {
	Service  types.Service  `json:"service"`
	Priority types.Priority `json:"priority,omitempty"`
}

// StopMonitoringCommand is the payload of a stop_monitoring command
type StopMonitoringCommand struct {
	ServiceID string `json:"serviceId"`
}
