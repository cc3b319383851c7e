// Package api: metrics.go implements a lightweight Prometheus-compatible
// /metrics endpoint exposing instance-level counters and gauges without an
// external dependency on the Prometheus Go client library.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks lightweight counters for the /metrics endpoint.
type Metrics struct {
	RPCRequestsTotal    atomic.Int64
	RPCRequestDuration  atomic.Int64 // total microseconds
	SSEConnectionsTotal atomic.Int64
	SSEConnectionsCurr  atomic.Int64
	MessagesSent        atomic.Int64
	StartTime           time.Time
}

// GlobalMetrics is the singleton instance.
var GlobalMetrics = &Metrics{
	StartTime: time.Now(),
}

// handleMetrics exposes Prometheus-compatible metrics in text exposition
// format.
//
// GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := GlobalMetrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var convoCount, messageCount, deviceCount int64
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM conversations`).Scan(&convoCount)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM messages`).Scan(&messageCount)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM devices`).Scan(&deviceCount)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP deliveryd_rpc_requests_total Total RPC requests served.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_rpc_requests_total counter\n")
	fmt.Fprintf(w, "deliveryd_rpc_requests_total %d\n\n", m.RPCRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP deliveryd_rpc_request_duration_seconds Total time spent processing RPC requests.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_rpc_request_duration_seconds counter\n")
	fmt.Fprintf(w, "deliveryd_rpc_request_duration_seconds %f\n\n", float64(m.RPCRequestDuration.Load())/1e6)

	fmt.Fprintf(w, "# HELP deliveryd_sse_connections_total Total SSE connections opened.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_sse_connections_total counter\n")
	fmt.Fprintf(w, "deliveryd_sse_connections_total %d\n\n", m.SSEConnectionsTotal.Load())

	fmt.Fprintf(w, "# HELP deliveryd_sse_connections_current Current open SSE connections.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_sse_connections_current gauge\n")
	fmt.Fprintf(w, "deliveryd_sse_connections_current %d\n\n", m.SSEConnectionsCurr.Load())

	fmt.Fprintf(w, "# HELP deliveryd_messages_sent_total Total application messages accepted.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_messages_sent_total counter\n")
	fmt.Fprintf(w, "deliveryd_messages_sent_total %d\n\n", m.MessagesSent.Load())

	fmt.Fprintf(w, "# HELP deliveryd_conversations_total Total conversations known to this instance.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_conversations_total gauge\n")
	fmt.Fprintf(w, "deliveryd_conversations_total %d\n\n", convoCount)

	fmt.Fprintf(w, "# HELP deliveryd_messages_total Total messages persisted (pre-expiry).\n")
	fmt.Fprintf(w, "# TYPE deliveryd_messages_total gauge\n")
	fmt.Fprintf(w, "deliveryd_messages_total %d\n\n", messageCount)

	fmt.Fprintf(w, "# HELP deliveryd_devices_total Total registered devices.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_devices_total gauge\n")
	fmt.Fprintf(w, "deliveryd_devices_total %d\n\n", deviceCount)

	fmt.Fprintf(w, "# HELP deliveryd_goroutines Current number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_goroutines gauge\n")
	fmt.Fprintf(w, "deliveryd_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP deliveryd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "deliveryd_memory_alloc_bytes %d\n\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP deliveryd_memory_sys_bytes Total memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "deliveryd_memory_sys_bytes %d\n\n", mem.Sys)

	uptime := time.Since(m.StartTime).Seconds()
	fmt.Fprintf(w, "# HELP deliveryd_uptime_seconds Time since server start.\n")
	fmt.Fprintf(w, "# TYPE deliveryd_uptime_seconds gauge\n")
	fmt.Fprintf(w, "deliveryd_uptime_seconds %f\n", uptime)
}
