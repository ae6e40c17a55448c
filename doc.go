// Package jiggler provides a background job queue built on Redis.
//
// It uses:
// - Redis List per queue for ready jobs (LPUSH by producers, BRPOP by workers)
// - Redis List per (queue, process) as a reservation list in at-least-once mode
// - Redis ZSet for scheduled, retry and dead jobs, scored by unix time
// - Redis String with TTL as a per-process heartbeat
//
// A Launcher wires a Manager (worker pool plus one Fetcher/Acknowledger pair),
// a Poller promoting due scheduled/retry jobs, a Requeuer recovering jobs
// leased by crashed processes, and a Monitor keeping the heartbeat alive.
package jiggler
