/*
Package ports defines the driven ports (interfaces) of the dialogue engine.

These interfaces decouple the executor and the stores from concrete
collaborators, so the same core runs on a local directory, Redis or a SQL
database, and against any dialogue parser or variable authority.

# Key Interfaces

  - BlobStore: key-value storage for variable snapshots and session-log units.
  - DialogueProvider: resolves dialogue graphs by name and language.
  - Evaluator: executes a node's commands against the user's variables.
  - VariableSyncer: mirrors variables with the external variable authority.
  - DistributedLocker: coordinates per-user access across replicas.
*/
package ports
