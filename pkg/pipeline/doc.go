// Package pipeline turns raw probe results into everything a status
// page reads.
//
// One consumer drains the monitoring results exchange. Each result is
// first attributed through the scheduler, which resolves the dedup
// cache key to every service sharing the probe, then per affected
// service the pipeline refreshes the status cache, opens or resolves
// incident windows (at most one open incident per service and type),
// folds the outcome into hour, day, and month rollups, and publishes
// a live event on the nest's update channel.
//
// The SSE endpoint bridges that channel to any number of concurrent
// subscribers per nest; each gets an independent subscription and
// therefore every event.
package pipeline
