package scheduler

import "time"

const (
	DefaultHandlerTimeout  = 2 * time.Minute
	DefaultMaxConcurrency  = 16
	DefaultStaleClaimAfter = 10 * time.Minute

	DefaultRunDueSpec    = "@every 60s"
	DefaultRecurringSpec = "@daily"

	logExecutedSuccessfully = "executed successfully"
)
