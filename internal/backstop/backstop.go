// Package backstop implements the synchronous, enclave-exit OCALL path:
// the universal fallback every OCALL kind can take, and the only path
// available to OCALLs that are not eligible for exitless dispatch at all
// (exit, sleep, and anything issued before the RPC queue exists).
//
// Exitless dispatch is an optimization layered on top of this path, never
// a replacement for it — the dispatcher falls back to Backstop whenever
// there is no queue, whenever the queue is full, or whenever the OCALL in
// question is issued as synchronous-only. A descriptor that was enqueued
// but is not picked up quickly is waited on with a futex wait; it is not
// re-issued through Backstop.
package backstop

import "context"

// Executor is the untrusted-side contract a Backstop calls into: whatever
// actually performs the host operation for OCALL code with the given
// marshalled message, returning the same negated-errno convention every
// OCALL wrapper uses.
type Executor interface {
	Execute(ctx context.Context, code int32, msg []byte) int
}

// Backstop issues OCALLs synchronously: the caller blocks until Execute
// returns, exactly as if the enclave had exited to the host and back.
type Backstop struct {
	exec Executor
}

// New returns a Backstop that dispatches through exec.
func New(exec Executor) *Backstop { return &Backstop{exec: exec} }

// Call performs a synchronous OCALL and returns its result directly — no
// queue, no lock, no futex. This is the path every exitless optimization
// ultimately reduces to when it cannot avoid a real enclave exit.
func (b *Backstop) Call(ctx context.Context, code int32, msg []byte) int {
	return b.exec.Execute(ctx, code, msg)
}

// ExitLoop issues the EXIT OCALL in an unbounded loop and never returns:
// if the host resumes the caller instead of tearing the process down, the
// EXIT OCALL is simply issued again, so the teardown path never hands
// control back to its caller.
func (b *Backstop) ExitLoop(ctx context.Context, exitCode int32, msg []byte) {
	for {
		b.exec.Execute(ctx, exitCode, msg)
	}
}
