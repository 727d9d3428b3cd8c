/*
Package domain contains the core domain models of the dialogue engine.

It defines the entities that flow between the executor, the stores and the
transport: dialogue graphs, per-user variables and the logged record of every
conversation. The package is kept free of I/O and persistence concerns.

# Key Entities

  - Dialogue, Node, Reply, NodePointer: the read-only graph a session walks.
  - Variable, VariableStoreChange: per-user state and its change notifications.
  - LoggedDialogue, LoggedInteraction: the durable audit trail of a session.
  - RenderedNode: what the client is shown after each step.
*/
package domain
