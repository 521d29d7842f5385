/*
Package fiber implements a durable execution engine for a single long-lived
stateful actor: multi-step background tasks ("fibers") that survive the
hosting process being torn down and restarted at any point, resuming from a
persisted checkpoint instead of restarting from zero.

# Core model

  - Scheduler: orchestrates the spawn / stash / cancel / complete lifecycle
    over a FiberStore and a HeartbeatStore.
  - Context: the per-attempt handle passed to a fiber body, exposing the
    payload, the last snapshot and the Stash checkpoint primitive.
  - CallbackRegistry: maps persisted callback names to bodies supplied by
    the hosting actor at construction time.
  - KeepAliveGuard: a reference-counted hibernation guard with
    latest-disposer-wins stop semantics.
  - WakeScheduler: the host's "invoke me no earlier than T" alarm; TimerWake
    is the in-process default.

# Lifecycle

Spawn persists a running row before returning, registers a heartbeat and a
live registry entry, then runs the body asynchronously. The body calls
Context.Stash after each discrete unit of progress; each stash replaces the
snapshot wholesale. On a thrown error the body is re-invoked locally with the
last snapshot while retry budget remains; total attempts = maxRetries + 1,
counting both local retries and eviction-triggered restarts.

# Recovery

After a restart the registry is empty. CheckFibers scans running rows
oldest-first, skips rows with a live handle, and for each orphan reconciles
its heartbeat, consumes one unit of retry budget and restarts the body from
the persisted snapshot (or fails it with "max retries exceeded (eviction
recovery)" once the budget is gone). The protocol is idempotent: a second
pass without an intervening eviction changes nothing.

# Cleanup

Expired completed/failed/cancelled rows are deleted lazily, piggybacked on
spawn traffic and self-throttled to one sweep per configured interval.

Concurrency: cancellation is cooperative only. The body receives a context
and must observe it at safe points; the engine never preempts an in-progress
call chain, and the heartbeat bounds detection latency of an interruption,
not execution duration.
*/
package fiber
