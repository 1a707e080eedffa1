// Package workflow implements Temporal workflow definitions for durable
// inference.
//
// Workflows wrap the inference activities so that a call, a stream or a
// batch survives worker restarts. Retrying individual calls is left to the
// client inside each activity; the workflows only add durability and
// validation.
//
// Workflows should not contain any non-deterministic operations
// such as random number generation, system time access, or external I/O.
// Such operations should be delegated to activities.
package workflow
