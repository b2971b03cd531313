// Package localqueue implements the queue backend over a single SQL database
// (SQLite or PostgreSQL). Runners poll the queue_jobs table and claim work
// with one conditional UPDATE, so concurrent pollers in any number of
// processes never dispatch the same job twice.
//
// Jobs are claimed in priority order and, within a priority, in enqueue
// order. There is no fairness across groups: a group that enqueues many jobs
// at one priority is served ahead of groups that enqueue later. Use the
// distributed backend when per-group fairness matters.
package localqueue
