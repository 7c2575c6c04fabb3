// Package server exposes the notification ingress and plan control
// endpoints over HTTP.
//
// Routes:
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/notifications/available      {"key": "<identifier or token>"}
//	GET  /v1/plans/{id}
//	POST /v1/plans/{id}/start|pause|finish
//	GET  /v1/deliveries/{id}
//	POST /v1/deliveries/{id}/start
//
// Failed requests answer with {"error": {"code", "message", "details"}}.
package server
