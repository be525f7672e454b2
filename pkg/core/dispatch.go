package core

import (
	"context"
)

// Dispatcher hands an assigned task to a worker process. The transport
// behind it (queue, RPC, HTTP) is the caller's concern; the scheduler only
// needs the ok/error outcome. A dispatch error reverts the assignment and
// leaves the task pending for a later scheduling pass.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID, taskID string, parameters []byte) error
}

// DispatchFunc adapts a plain function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, workerID, taskID string, parameters []byte) error

func (f DispatchFunc) Dispatch(ctx context.Context, workerID, taskID string, parameters []byte) error {
	return f(ctx, workerID, taskID, parameters)
}
