// Package metrics exposes queue health to Prometheus. Collector reads
// per-status job counts from a backend at scrape time, Observer counts
// attempt outcomes reported by runners, and HTTP instruments the admin API.
package metrics
