// Package events implements the broker's publish/subscribe bus and the wire
// shape of the events it carries.
//
// Three channel families exist: Global for every connected worker,
// ClientChannel for targeted delivery and VariantChannel for count updates
// to workers of one variant. Delivery is at most once per connected
// subscriber with no replay; a worker that reconnects must resynchronize.
package events
