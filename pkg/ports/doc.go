/*
Package ports defines the driven ports (interfaces) for the Espalier engine.

These interfaces decouple the core logic from external implementations,
allowing the engine to work with various storage backends, policy engines
and lock providers.

# Key Interfaces

  - LedgerStore: Durable append-then-finalize log of execution attempts,
    with an atomic per-fingerprint claim.
  - ArtifactStore: Persistence for artifact records and their child index.
  - JourneyStore: Persistence for journeys and resumable pending journeys.
  - PolicyChecker: External authorization collaborator consulted before
    handler execution.
  - DistributedLocker: Distributed locking for multi-instance deployments.
*/
package ports
