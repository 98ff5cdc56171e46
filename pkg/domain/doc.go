/*
Package domain contains the core domain models for the Espalier engine.

It defines the fundamental entities of the execution ledger and artifact
registry: Intents, ExecutionRecords, Artifacts, Journeys and PendingJourneys.
This package is kept pure and free of external dependencies like I/O or
persistence, following Hexagonal Architecture principles.

# Key Entities

  - Intent: A single named unit of requested work with typed parameters.
  - ExecutionRecord: One attempted invocation of an intent's handler,
    tracked end-to-end in the ledger.
  - Artifact: A versioned, lineage-tracked record of something the system
    produced or stored.
  - Journey: An ordered, potentially resumable composition of intents.
  - PendingJourney: A journey paused after one step, carrying enough context
    to resume later without the caller re-supplying it.
*/
package domain
