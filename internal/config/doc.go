// Package config handles configuration loading, parsing, and validation
// from environment variables, an optional .env file and an optional config
// file. Environment variables use the SHELF_ prefix with nested keys joined by
// underscores (for example SHELF_QUEUE_CONCURRENCY).
package config
