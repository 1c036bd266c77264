// Package gateway orchestrates the order-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the server. New builds
// every component from the configuration and wires them together:
//
//	catalog (TOML) ──┬─> engine ──> conversation.Service <── webhook
//	                 │                   │
//	sqlite store ────┼─> workflow.Engine <┘ (order placer)
//	                 │        │
//	deferred.Queue <─┘   notify.Dispatcher ──> WhatsApp, Matrix, SSE, log
//
// # HTTP Endpoints
//
// Public:
//
//	GET  /health                       liveness
//	GET  /health/ready                 database and lock backend reachable
//	GET  /webhook                      WhatsApp subscription handshake
//	POST /webhook                      WhatsApp message delivery (signed)
//	GET  /metrics                      Prometheus, when metrics.enabled
//
// Staff API, behind a bearer JWT (or trusted on the tailnet when no secret
// is configured). Tokens scoped to a store only see that store:
//
//	GET  /api/orders?store=&active=true&limit=
//	GET  /api/orders/{id}
//	GET  /api/orders/{id}/ticket       printable HTML ticket
//	POST /api/orders/{id}/transition   {"from":"QUEUE","to":"PREPARATION"}
//	POST /api/orders/{id}/cancel       {"reason":"..."}
//	POST /api/payments/confirm         {"store_id","customer_key","payment_ref"}
//	POST /api/tasks/alert              external scheduler callback
//	GET  /api/stores/{store}/events    server-sent staff events
//	POST /api/catalog/reload           unscoped tokens only
//	GET  /api/audit?store=&actor=&action=&order=&since=&limit=
//
// Transition answers 409 when the order left the expected stage, 422 for an
// edge that is not allowed.
//
// # Background Loops
//
// Run starts the deferred task runner (stage alerts) and the idle
// conversation sweeper next to the HTTP server. Shutdown stops the server,
// waits for both loops, then closes the store.
//
// # Listeners
//
// Without Tailscale the server listens on server.http_addr. With Tailscale
// it joins the tailnet via tsnet and listens on :80, or on :443 through
// Funnel so the WhatsApp webhook is reachable from the internet.
package gateway
