// Package sinks holds relay destinations: structured logs and Pub/Sub.
package sinks
