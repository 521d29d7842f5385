/*
Package store defines the persistence layer of the fiber engine: pure CRUD
over the fibers table and the heartbeat_schedules table, with no lifecycle
logic of its own.

# Core interfaces

  - FiberStore: fiber record CRUD. Snapshot writes replace wholesale,
    terminal transitions only apply to running rows, and ListRunning returns
    rows oldest-first so recovery processes fibers in creation order.
  - HeartbeatStore: one wake timer per running fiber, upserted and deleted
    idempotently so recovery can reconcile stale entries.
  - Backend: both interfaces over the same underlying storage.

# Backends

  - Memory: RWMutex-guarded maps, for development and testing.
  - GORM: sqlite / postgres / mysql with an idempotent create-if-missing
    schema, for single-node production deployments.
  - Redis: JSON blobs plus sorted-set status indexes, for deployments that
    already run Redis.

Use the factory to pick a backend from configuration:

	backend, err := store.New(store.Config{Type: store.TypeSQLite, Path: "fibers.db"})
*/
package store
