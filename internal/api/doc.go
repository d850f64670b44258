// Package api serves the scrapyd-compatible JSON interface. Notable routes:
//   - POST /schedule.json and /cancel.json to submit and stop jobs.
//   - GET /daemonstatus.json and /listjobs.json for job state.
//   - GET /listprojects.json, /listversions.json and /listspiders.json for
//     the project registry.
//   - GET /logs/... for per-job log files.
//   - GET /healthz and /metrics for probes and Prometheus scraping.
package api
