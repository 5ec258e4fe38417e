package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// ControlQueue is the durable queue carrying scheduling commands
const ControlQueue = "scheduler.control"

// Consumer reads from a bus queue; satisfied by *bus.Bus
type Consumer interface {
	Consume(ctx context.Context, spec bus.ConsumeSpec, handler func(body []byte) error) error
}

// RunControl consumes monitor_service and stop_monitoring commands
// until ctx is cancelled. This is how external producers start and
// stop monitoring without touching the scheduler process directly.
func (s *Scheduler) RunControl(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, bus.ConsumeSpec{
		Queue:    ControlQueue,
		Exchange: bus.ExchangeWorkerCommands,
		Keys:     []string{bus.KeyMonitorService, bus.KeyStopMonitoring},
	}, func(body []byte) error {
		return s.HandleCommand(ctx, body)
	})
}

// HandleCommand applies one scheduling command from the bus
func (s *Scheduler) HandleCommand(ctx context.Context, body []byte) error {
	var env bus.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("control decode envelope: %w", err)
	}

	switch env.Command {
	case bus.KeyMonitorService:
		var cmd bus.MonitorServiceCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return fmt.Errorf("control decode monitor_service: %w", err)
		}
		if cmd.Service.ID == "" {
			return fmt.Errorf("monitor_service without service id")
		}
		prio := cmd.Priority
		if prio == "" {
			prio = types.PriorityNormal
		}
		s.AddService(ctx, &cmd.Service, prio)
		s.logger.Info().
			Str("service_id", cmd.Service.ID).
			Str("nest_id", cmd.Service.NestID).
			Msg("service scheduled via bus command")
		return nil

	case bus.KeyStopMonitoring:
		var cmd bus.StopMonitoringCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return fmt.Errorf("control decode stop_monitoring: %w", err)
		}
		if cmd.ServiceID == "" {
			return fmt.Errorf("stop_monitoring without service id")
		}
		s.RemoveService(ctx, cmd.ServiceID)
		s.logger.Info().Str("service_id", cmd.ServiceID).Msg("service unscheduled via bus command")
		return nil

	default:
		// Probe commands share the exchange but are addressed to
		// worker queues, not the scheduler
		return nil
	}
}
