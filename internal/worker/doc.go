// Package worker runs a broker worker: an HTTP client for the broker API,
// a concurrency controller that reacts to pushed events, a runner that keeps
// the event stream connected, and the fetch handler that executes crawl
// tasks.
//
// The controller owns all slot accounting. A Handler only executes a task;
// the controller reserves the slot before acquiring, completes the task on
// success and releases the slot whatever the outcome.
package worker
