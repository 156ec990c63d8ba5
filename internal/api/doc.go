// Package api hosts the broker's HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/tasks/... to create, pull, acquire, complete and resync tasks.
//   - POST /api/clients/sync and GET /api/events/{clientID} for workers.
//   - /api/artifacts/... and /api/robots/... for task output.
//
// Every /api response uses the envelope {"ok":true,"data":...} or
// {"ok":false,"error":"...","code":"..."}.
package api
