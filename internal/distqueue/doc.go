// Package distqueue implements queue.Backend on the workflow substrate, for
// deployments where runners in several processes share one queue.
//
// Each job is a virtual object holding its record. Enqueue writes the
// object and sends its ID to the queue's mailbox; a runner receiving the ID
// claims the object under a lease and drives every attempt of the job. Before
// each attempt the runner acquires a permit from the queue's Semaphore, a
// virtual object that bounds concurrency for the whole queue and decides
// which waiter goes next: lowest priority value first, then round-robin
// across groups at equal priority.
//
// Waiting for a permit has no deadline. A job at a crowded priority tier can
// wait indefinitely while higher-priority work keeps arriving.
//
// Runners renew the lease of every job they hold. A job whose lease runs
// out, because its runner crashed or stopped, is recovered by another
// runner of the queue: a permit it still held is returned first, and an
// attempt that was running is reported as failed with queue.ErrLeaseExpired.
package distqueue
