// Package admin runs queue maintenance as ordinary jobs. Operators and the
// cron Scheduler enqueue Tasks on the admin queue; a runner drives them
// through Handler, which calls the backend Inspector. Maintenance therefore
// gets the same retries, idempotency and visibility as any other work.
package admin
