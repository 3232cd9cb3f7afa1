package taskname

const (
	// Status reconciliation tasks
	GenerationStatusCheck = "generation:status:check"
	GenerationStatusSweep = "generation:status:sweep"

	// Housekeeping tasks
	GenerationArchiveRun = "generation:archive:run"
)

// Queues, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
