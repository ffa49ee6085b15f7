// Package registry maintains the live catalogue of relevant peer devices.
//
// # Data flow
//
//	notification goroutine(s) --Announce/UpdateProperties--> Queue
//	Queue --Drain (single worker)--> Filter --> HandleFactory --> Registry
//	notification goroutine --Remove--> Handle.Teardown --> Registry.Remove
//
// Every announcement passes through one worker goroutine in FIFO order, so
// two inserts for the same identity can never race. A repeated announcement
// for a registered identity is ignored. Removals do not need ordering and run
// synchronously on the caller.
//
// # Shutdown
//
// Manager.Close closes the queue (the single stop signal), waits for the
// worker, then tears down every remaining handle. Notifications still queued
// when Close starts are dropped.
package registry
