// Package redstage provides a multi-stage job queue built on Redis.
//
// A job moves through named lists (queued -> working -> done | failed, and
// failed -> queued on retry). It uses:
// - Redis List per stage, head = most recently pushed
// - Redis Hash as the job index (id -> latest snapshot) and the worker registry
// - Redis ZSet to track claim deadlines of jobs held in working
// - Lua scripts so every list/index transition is a single store-side step
// - Redis PubSub (optional) for events
//
// All keys share the hash tag {prefix}, so the multi-key scripts also run
// against Redis Cluster.
package redstage
