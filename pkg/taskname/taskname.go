package taskname

const (
	// Receipt tasks
	ReceiptSend = "receipt:send"

	// Maintenance tasks run by the scheduler
	IntentSweep    = "intent:sweep"
	ReceiptRequeue = "receipt:requeue"
)
