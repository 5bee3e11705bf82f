// Package enforce applies auto-prune policies to live tags.
//
// The Scheduler owns a work queue keyed by namespace: a namespace is
// queued at most once and handed to at most one worker at a time, and a
// trigger that arrives mid-run yields a single follow-up pass. Triggers
// come from policy creation (through a trigger.Publisher) and from the
// Sweeper, which periodically enqueues every namespace holding a policy.
//
// The Executor runs one pass: it snapshots the namespace's policies,
// walks its repositories with bounded concurrency, unions the delete sets
// of all policies per repository and deletes tags one by one. Per-tag
// and per-repository failures are counted and logged, never returned to
// whoever triggered the pass. Cancellation is honored between
// repositories; a repository whose deletions started runs to completion.
//
// Across replicas, a LeaseManager holds an ephemeral metadata key per
// namespace while a pass runs.
package enforce
