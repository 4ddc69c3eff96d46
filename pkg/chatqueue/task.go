package chatqueue

import "context"

// task is the unit of work chained onto a Queue. It captures whatever
// it needs from ChatState/ServerLink at enqueue time and resolves the
// rest (the current ServerLink) when it actually runs, per spec §4.3
// "Chain discipline": "run_this_task resolves the current ServerLink at
// the moment it runs (not at enqueue time), so tasks adapt to server
// switches."
type task func(ctx context.Context)
