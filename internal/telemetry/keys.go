package telemetry

// Metric keys shared by the replication components. Counters use Add, gauges
// use Store.
const (
	MetricRecordsSpawned          = "replication_records_spawned_total"
	MetricRecordsDespawned        = "replication_records_despawned_total"
	MetricRecordsAdded            = "replication_records_added_total"
	MetricRecordsChanged          = "replication_records_changed_total"
	MetricRecordsRemoved          = "replication_records_removed_total"
	MetricSerializeErrors         = "replication_serialize_errors_total"
	MetricJournalRecords          = "replication_journal_records"
	MetricJournalPrunedThrough    = "replication_journal_pruned_through"
	MetricJournalClients          = "replication_journal_clients"
	MetricOutOfSync               = "replication_out_of_sync_total"
	MetricSnapshotsSent           = "replication_snapshots_sent_total"
	MetricFramesSent              = "replication_frames_sent_total"
	MetricBytesSent               = "replication_bytes_sent_total"
	MetricMessagesSplit           = "replication_messages_split_total"
	MetricSendErrors              = "replication_send_errors_total"
	MetricAcksReceived            = "replication_acks_received_total"
	MetricAckRegressions          = "replication_ack_regressions_total"
	MetricResyncRequests          = "replication_resync_requests_total"
	MetricResyncRateLimited       = "replication_resync_rate_limited_total"
	MetricEscalations             = "replication_escalations_total"
	MetricInboxDropped            = "replication_inbox_dropped_total"
	MetricInboxDepth              = "replication_inbox_depth"
	MetricTickDurationMillis      = "replication_tick_duration_millis"
	MetricTickOverBudget          = "replication_tick_over_budget_total"
	MetricLogEvents               = "replication_log_events_total"
	MetricLogDropped              = "replication_log_dropped_total"
	MetricClientFramesApplied     = "replication_client_frames_applied_total"
	MetricClientFramesDiscarded   = "replication_client_frames_discarded_total"
	MetricClientFramesBuffered    = "replication_client_frames_buffered_total"
	MetricClientUnknownEntity     = "replication_client_unknown_entity_total"
	MetricClientMalformed         = "replication_client_malformed_total"
	MetricClientResyncs           = "replication_client_resyncs_total"
	MetricClientAppliedTick       = "replication_client_applied_tick"
	MetricClientReorderOverflow   = "replication_client_reorder_overflow_total"
	MetricClientStaleValueSkipped = "replication_client_stale_values_skipped_total"
)
