// Package framestore keeps a bounded window of recent frame records per
// session, plus running totals, for the HTTP API and UI queries. It is
// the standard sink behind the ingest loop: HandleFrame satisfies
// ingest.Sink directly.
package framestore
