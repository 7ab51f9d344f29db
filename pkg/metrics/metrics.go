package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Watcher Metrics
	WatcherMessagesScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_watcher_messages_scanned_total",
		Help: "The total number of chat messages run through the update parser",
	})
	WatcherUpdatesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_watcher_updates_detected_total",
		Help: "The total number of messages recognised as updates",
	})
	WatcherIncompleteUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwatch_watcher_incomplete_updates_total",
		Help: "The total number of detected updates missing a field, by field",
	}, []string{"field"})
	WatcherEventsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_watcher_events_published_total",
		Help: "The total number of update events published to Kafka",
	})
	WatcherPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_watcher_publish_errors_total",
		Help: "The total number of failed publish attempts to Kafka",
	})
	WatcherEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwatch_watcher_events_dropped_total",
		Help: "The total number of detected updates that were not published, by reason",
	}, []string{"reason"})
	WatcherCheckpointSavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_watcher_checkpoint_saves_total",
		Help: "The total number of channel checkpoint saves",
	})

	// Syncer Metrics
	SyncerMessagesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_syncer_messages_consumed_total",
		Help: "The total number of messages consumed from Kafka",
	})
	SyncerProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwatch_syncer_processed_total",
		Help: "The total number of processed updates, by outcome",
	}, []string{"outcome"})
	SyncerRedeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_syncer_session_restarts_total",
		Help: "The total number of consumer sessions restarted to force redelivery",
	})
	SyncerDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_syncer_dead_lettered_total",
		Help: "The total number of events forwarded to the dead-letter topic",
	})
	SyncerDuplicateUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchwatch_syncer_duplicate_updates_total",
		Help: "The total number of upserts that matched an existing update",
	})
	SyncerUpsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "patchwatch_syncer_upsert_latency_seconds",
		Help:    "Latency of game update upserts",
		Buckets: prometheus.DefBuckets,
	})
	FanoutNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwatch_fanout_notifications_total",
		Help: "The total number of notification writes, by result",
	}, []string{"result"})
)
