// Package batch implements the micro-batch scheduler that sits between the
// chunkers and the inference engine.
//
// Chunks from any number of sessions and files are queued without blocking.
// A single dispatch loop forms a batch when the batch is full, when the oldest
// request has waited MaxWait, or after IdleInterval without arrivals. Only one
// batch is in flight at a time. Every enqueued chunk gets a Handle that is
// fulfilled exactly once: with its result, an *EngineError shared by the whole
// batch, ErrProcessingTimeout or ErrSchedulerClosed.
package batch
