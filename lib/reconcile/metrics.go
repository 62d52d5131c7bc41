package reconcile

import "github.com/VictoriaMetrics/metrics"

var (
	remoteApplied   = metrics.GetOrCreateCounter(`dsync_reconcile_remote_applied_total`)
	echoSuppressed  = metrics.GetOrCreateCounter(`dsync_reconcile_echo_suppressed_total`)
	staleRejected   = metrics.GetOrCreateCounter(`dsync_reconcile_stale_rejected_total`)
	mergeOverwrites = metrics.GetOrCreateCounter(`dsync_reconcile_merge_overwrites_total`)
)
