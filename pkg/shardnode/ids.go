package shardnode

// EmigID identifies one emigration session, monotonically increasing
// and process-unique while live.
type EmigID uint32

// InsertID identifies one INSERT within an emigration session,
// process-unique for the session's lifetime.
type InsertID uint32

// TID is a replicated-write transaction id.
type TID uint32
