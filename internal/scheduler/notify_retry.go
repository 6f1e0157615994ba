package scheduler

import "context"

// notifyRetryBatchSize caps how many due NotifyRetry rows are drained per
// tick, so one slow platform outage never stalls the whole scheduler loop.
const notifyRetryBatchSize = 50

// drainNotifyRetries asks the Router to retry every due outbound-post retry
// row (spec §4.5's durable retry queue).
func (s *Scheduler) drainNotifyRetries(ctx context.Context) {
	s.router.RetryDue(ctx, notifyRetryBatchSize)
}
