// Package worker consumes step messages from a queue with bounded concurrency
// and a global rate limit independent of concurrency.
//
// A Pool is constructed explicitly and driven by Start/Stop. Handler errors
// are returned to the queue (Nack) for backoff retry; errors wrapped with
// Fatal are parked immediately; handler panics are recovered and treated as
// ordinary failures.
package worker
