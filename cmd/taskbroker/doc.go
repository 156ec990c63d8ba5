// Command taskbroker runs the crawl task broker and its fetch workers.
//
// Architecture overview:
//   - serve: internal/app builds the task store (memory or Postgres), the pending-count cache (memory or Pebble),
//     artifact blob storage (memory, local disk or GCS), the coordinator, the event bus and the HTTP API. A heartbeat
//     loop and the optional lifecycle relay (log and Pub/Sub sinks) run next to the server until SIGINT/SIGTERM.
//   - worker: connects to a broker's event stream, acquires suggested tasks up to its concurrency and fetches each
//     page with Colly, headless Chrome or both (auto mode promotes client-rendered pages). Bodies are uploaded as
//     artifacts and the task is completed. Lost streams are reconnected with exponential backoff.
//   - submit and resync: one-shot API calls for operators.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or BROKER_* environment variables; PORT, DATABASE_URL, DATA_PATH and
//     DEFAULT_NAMESPACE are honoured as well.
//   - Run locally: go run ./cmd/taskbroker serve, then go run ./cmd/taskbroker worker in another shell.
package main
