// Package api serves the admin HTTP surface of the job queue. It translates
// requests into Inspector reads and admin maintenance tasks and renders
// queue state as JSON.
package api
