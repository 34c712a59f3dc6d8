package gateway

// loop is the orchestrator's single command-processing goroutine. Inbound
// frames, admin calls, and the dead-node cascade (whether reached by the
// health sweep or by a session timer) are funneled through closures
// submitted on o.commands and executed here, one at a time. Two kinds of
// mutation happen off the loop, each under the owning store's own lock: a
// session timer's idle/suspended/disconnected transition inside
// session.Manager, and the health sweep's registry MarkAlive/Remove calls
// on the sweep goroutine. This is the
// same single-writer pattern a websocket hub uses for its own
// client registry, generalized from "register/unregister a client" to
// "run an arbitrary state-mutating closure".
func (o *Orchestrator) loop() {
	defer close(o.loopExited)
	for {
		select {
		case cmd := <-o.commands:
			cmd()
		case <-o.stopped:
			o.drainRemaining()
			return
		}
	}
}

// drainRemaining runs every command already queued at the moment stopped
// was closed, so a final burst of in-flight frames isn't silently lost.
// It does not block waiting for new commands — submit() itself refuses to
// enqueue once stopped is closed.
func (o *Orchestrator) drainRemaining() {
	for {
		select {
		case cmd := <-o.commands:
			cmd()
		default:
			return
		}
	}
}

// submit enqueues fn to run on the loop goroutine. Fire-and-forget: callers
// that need a result use call instead. A full queue applies backpressure
// to the submitter (a node producing frames faster than the loop can drain
// them blocks its own readPump, never another connection's). Submitting
// after Stop has begun is silently dropped.
func (o *Orchestrator) submit(fn func()) {
	select {
	case o.commands <- fn:
	case <-o.stopped:
	}
}

// call runs fn on the loop goroutine and blocks until it completes. Used
// by every public method that needs a consistent, quiescent view across
// more than one store (bindChannel, drainNode, checkInvariants,
// saveCheckpoint). A call submitted after Stop has begun returns without
// running fn.
func (o *Orchestrator) call(fn func()) {
	done := make(chan struct{})
	o.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-o.stopped:
	}
}
