/*
Package manager replicates control-plane state with Raft.

Every write is a Command appended to the Raft log; the FSM applies
committed commands to the local BoltDB store, so all nodes converge on
the same session, kernel, agent, and allocation state. Timestamps are
stamped by the leader before a command enters the log, which keeps
replay deterministic across restarts and snapshot restores.

Reads are served from the local store. Components that must only run
on one node at a time (the scheduling coordinator, the health monitor)
gate themselves on IsLeader / LeaderCh.
*/
package manager
