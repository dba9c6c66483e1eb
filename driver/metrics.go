package driver

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Measures exposed by the driver: missing-entry count, pending-queue
// depth, and average time-to-promotion.
var (
	MissingEntryCount = stats.Int64("dagdriver/missing_entry_count", "number of distinct missing ancestor digests", stats.UnitDimensionless)
	PendingQueueDepth = stats.Int64("dagdriver/pending_queue_depth", "number of nodes parked in pending", stats.UnitDimensionless)
	TimeToPromotion   = stats.Float64("dagdriver/time_to_promotion_ms", "time from a node's arrival to its DAG promotion", stats.UnitMilliseconds)
	RoundsCompleted   = stats.Int64("dagdriver/rounds_completed", "number of rounds signaled complete to the ordering layer", stats.UnitDimensionless)
)

// Views registers the default aggregations for the driver's measures. A
// caller (command/daemon.go) registers these once at startup via
// view.Register, the same way storetheindex wires coremetrics views for its
// opencensus exporter.
var Views = []*view.View{
	{
		Name:        "dagdriver/missing_entry_count",
		Measure:     MissingEntryCount,
		Aggregation: view.LastValue(),
	},
	{
		Name:        "dagdriver/pending_queue_depth",
		Measure:     PendingQueueDepth,
		Aggregation: view.LastValue(),
	},
	{
		Name:        "dagdriver/time_to_promotion_ms",
		Measure:     TimeToPromotion,
		Aggregation: view.Distribution(0, 10, 50, 100, 250, 500, 1000, 2500, 5000),
	},
	{
		Name:        "dagdriver/rounds_completed",
		Measure:     RoundsCompleted,
		Aggregation: view.Count(),
	},
}

// gaugeSnapshot is a point-in-time read of the index sizes, computed by the
// event loop (the sole owner of d.index) and handed to metricsUpdater over
// sigMetrics. metricsUpdater never touches d.index itself: it only runs on
// its own goroutine, concurrently with the event loop's AddPending/
// OnDAGInsertion mutations, so reading the maps directly from there would
// race.
type gaugeSnapshot struct {
	missing int
	pending int
}

// metricsUpdater records gauge-style measures (missing-entry count,
// pending-queue depth) from the most recent snapshot handed to it,
// batching the update on a timer instead of recording on every single
// mutation — the same debounce storetheindex's Ingester.metricsUpdater
// applies via signalMetricsUpdate/sigUpdate, so a burst of ingest activity
// does not turn every index mutation into a stats.Record call. The minute
// ticker re-records the last known snapshot rather than recomputing it, so
// metrics keep flowing even during a quiet period.
func (d *Driver) metricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var last gaugeSnapshot
	for {
		select {
		case <-ctx.Done():
			return
		case last = <-d.sigMetrics:
			continue
		case <-ticker.C:
		}

		recordCtx, err := tag.New(context.Background())
		if err != nil {
			log.Errorw("Failed to create metrics tag context", "err", err)
			continue
		}
		stats.Record(recordCtx,
			MissingEntryCount.M(int64(last.missing)),
			PendingQueueDepth.M(int64(last.pending)),
		)
	}
}

// signalMetricsUpdate computes a gaugeSnapshot from the index (safe here:
// the caller always runs on the event loop goroutine) and hands it to
// metricsUpdater without blocking, mirroring Ingester.signalMetricsUpdate's
// non-blocking send-or-drop pattern.
func (d *Driver) signalMetricsUpdate() {
	snap := gaugeSnapshot{missing: d.index.MissingLen(), pending: d.index.PendingLen()}
	select {
	case d.sigMetrics <- snap:
	default:
	}
}

func recordTimeToPromotion(elapsedMS float64) {
	ctx, err := tag.New(context.Background())
	if err != nil {
		log.Errorw("Failed to create metrics tag context", "err", err)
		return
	}
	stats.Record(ctx, TimeToPromotion.M(elapsedMS))
}

func recordRoundCompleted() {
	ctx, err := tag.New(context.Background())
	if err != nil {
		log.Errorw("Failed to create metrics tag context", "err", err)
		return
	}
	stats.Record(ctx, RoundsCompleted.M(1))
}
