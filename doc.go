// Package replaykit is a concurrent, bounded, priority-based experience
// replay buffer for reinforcement-learning trainers. Producers insert
// keyed items referencing shared binary chunks, consumers sample them
// through pluggable distributions (uniform, FIFO, LIFO, prioritized), and
// a two-sided rate limiter couples the sampling and insertion rates so
// neither side outruns the other.
//
// The building blocks live in subpackages: table (the priority table
// core), distribution (sampling-mass structures), ratelimiter (the
// sample/insert gate), chunkstore (shared chunk storage), extensions
// (lifecycle observers), checkpoint and storage (durable snapshots), and
// config (YAML table definitions). This package ties them together with
// Registry, a named set of tables sharing one chunk store and one
// checkpoint destination.
package replaykit
