// Package queue defines the backend-agnostic job queue abstraction: typed
// queues, enqueue options, job records and statistics, the Backend and
// Inspector interfaces implemented by concrete backends, and the runner
// machinery that binds handlers to a queue.
//
// Two backends implement Backend: internal/localqueue (a polling queue over a
// single SQL database) and internal/distqueue (a queue over a durable
// virtual-object substrate with a fairness-aware semaphore). Both honour the
// same external contract. Only the distributed backend provides round-robin
// fairness across groups at equal priority; the local backend is strictly
// priority then FIFO.
package queue
