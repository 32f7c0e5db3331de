// Package tsdb writes optional runtime telemetry to InfluxDB.
//
// The workspace runs fine without it: when the influxdb config section is
// disabled (the default), Connect returns ErrDisabled and the daemon skips
// the recorder entirely. When enabled, a Recorder samples the drain loop
// counters and per-session ring usage on an interval, and the daemon
// mirrors host incidents as counter points as they happen.
//
// Measurements:
//
//	ingest         frames, faults, sessions        (gauges per sample)
//	session_usage  usage_ratio, frames, bytes      (tagged session_id, entry, level)
//	host_incident  count                           (tagged entry, kind)
//
// Writes go through the SDK's non-blocking batched WriteAPI; failures are
// reported through SetOnError and never back-pressure the workspace.
package tsdb
