package bus

// Lifecycle event names broadcast on the bus.
const (
	EventTaskCreated   = "task.created"
	EventTaskDelivered = "task.delivered"

	EventDelegationStarted   = "delegation.started"
	EventDelegationCompleted = "delegation.completed"
	EventDelegationFailed    = "delegation.failed"
	EventDelegationExpired   = "delegation.expired"

	// Fan-in complete: combined report enqueued to the parent's agent.
	EventReportMerged = "report.merged"

	// Structural failures (operator-visible, never fatal).
	EventReportOrphaned = "report.orphaned"
	EventReportStale    = "report.stale"

	EventScopeActivated = "scope.activated"
)
