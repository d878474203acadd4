// Package queue is the durable job queue store: enqueue, exclusive claim,
// guarded status transitions, batch bookkeeping, and retention cleanup, all
// over Postgres.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent workers never block
// each other and exactly one wins any given job. Status updates are guarded
// by the allowed transition graph in the domain package; an update that
// would leave the graph returns InvalidTransitionError and changes nothing.
package queue
