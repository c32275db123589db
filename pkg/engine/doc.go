// Package engine implements the experiment controller: the resource
// lifecycle state machine, the task scheduler and the processing loop
// that drives resources through deployment, start, stop and release.
//
// # Resources
//
// A resource is one managed entity of an experiment: a host, an
// interface, a channel or an application. Every resource moves through
//
//	NEW -> DISCOVERED -> PROVISIONED -> READY -> STARTED <-> STOPPED -> FINISHED
//
// and may enter FAILED from any non-terminal state and RELEASED from any
// state. FAILED and RELEASED are terminal. The time a resource first
// entered each state is recorded and never overwritten.
//
// Drivers embed *Base and override the lifecycle steps they implement:
//
//	type Node struct {
//	    *engine.Base
//	}
//
//	func (n *Node) Deploy(ctx context.Context) error {
//	    if err := n.install(ctx); err != nil {
//	        return err
//	    }
//	    return n.Base.Deploy(ctx)
//	}
//
// Returning engine.NotReady from a lifecycle step makes the controller
// retry it after a backed-off delay. Invalid-usage errors are reported to
// the caller. Any other error marks the resource FAILED and fails the
// experiment.
//
// # Scheduling
//
// The controller keeps pending tasks in a min-heap ordered by deadline.
// A single processing loop waits on a condition variable until the
// earliest task is due and hands it to a bounded worker pool
// (DefaultWorkers goroutines). Operations on one resource are serialized
// by a per-resource lock, while operations on different resources run in
// parallel.
//
// # Conditions
//
// RegisterCondition gates the START or STOP of a group of resources on
// another group reaching a state, optionally after a delay measured from
// the time the state was entered. ConditionGraph reports condition
// cycles, which can never resolve.
//
// # Failure
//
// When a task fails with a driver or transport error the controller moves
// to FAILED, pending tasks are discarded and every later API call returns
// a CONTROLLER_STOPPED error. Release and Shutdown still work and mark
// every resource RELEASED even when drivers fail to clean up.
package engine
