package machinery

import (
	"context"
	"fmt"
)

// Do enqueues action for machine and blocks for the reply, honoring
// ctx's deadline. It is the synchronous call shape the Task Flow Runner
// uses ("ask the Machinery Manager to restore_start the machine; block
// on the reply with a 120 s timeout"), with the {action, machine} ->
// {success, reason} request/reply shape. The Machinery Manager has no
// control socket; Do is its in-process entry point.
func (m *Manager) Do(ctx context.Context, action ActionName, machine string) (Result, error) {
	reply := make(chan Result, 1)
	if err := m.Enqueue(action, machine, reply); err != nil {
		return Result{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("machinery: %s on %s: %w", action, machine, ctx.Err())
	}
}
