// Package bus owns the AMQP topology and the command, result, and
// heartbeat message shapes.
//
// Three shared exchanges carry all traffic: worker_commands (direct,
// persistent probe commands, region-scoped routing keys),
// monitoring_results (direct), and worker_heartbeat (fanout). Each
// approved worker consumes a durable queue of its own, dead-lettered
// to worker.dlq. Connections redial with capped backoff and re-declare
// topology on resume, so both sides survive broker restarts.
package bus
