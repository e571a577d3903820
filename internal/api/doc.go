// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping and /statistics for raw counters.
//   - POST /v1/rewrite to map input URLs onto rewritten output URLs.
//   - GET /pagespeed/* to serve (or reconstruct) a rewritten output.
//   - GET /v1/metadata to inspect cached partition tables.
//   - GET /v1/contexts and /v1/filters/stats for history recorded by the
//     EventRepository.
package api
