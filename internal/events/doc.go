// Package events provides the durable, strictly ordered event stream for
// orchestration runs.
//
// # Overview
//
// Every run emits a sequence of lifecycle events: run_start, the per-phase
// step_start/step_result pairs, compile_iter for each reasoning attempt,
// recon_result and critic_result after graph synchronization, failure,
// repair_start, and a final run_end. The Emitter assigns each event a
// per-run sequence number, appends it to the SQLite run_events log inside
// the publish path, and only then fans it out to in-process subscribers.
// Durability before delivery means an observer can always reconstruct the
// full history, even across process restarts.
//
// # Ordering
//
// Sequences per run start at 1 and increase without gaps. A new subscriber
// first receives a synthetic connected marker (sequence 0, never written
// to the log), then replayed history from its requested sequence, then
// live events. The intended observer pattern is fetch state, then
// subscribe from the sequence the state was read at; the replay fills the
// window in between.
//
// # Slow consumers
//
// Delivery is at-least-once per active subscriber. When a subscriber's
// buffer fills, the publisher blocks for a short grace period and then
// drops the subscriber by closing its channel. A closed channel tells the
// consumer its view has a hole and it must resync from full state.
// Cross-process observers never subscribe at all; they poll the log with
// Log.After.
package events
