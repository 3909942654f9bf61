// Package chainwatch and its sub-packages implement a backend service that watches a ledger's real-time event feed
// and serves classified events and anomaly alerts to its clients.
/*
chainwatch provides one microservice:

a monitor microservice (package monitor) that implements a RESTful API for clients to authenticate, subscribe to
ledger events and retrieve them by polling or over a websocket stream.

Architecture

The monitor connects to an upstream node over a websocket JSON-RPC feed (package lib/source) and keeps exactly one
upstream subscription per event kind regardless of how many clients are connected. Raw notifications are classified
(package lib/classify): noise such as consensus votes and bare system transfers is dropped, the rest is normalized
and tagged with the program it touched and the type of transaction it carries.

Classified events flow through an anomaly engine (package anomaly) that watches transaction outcomes and fees and
raises alerts for elevated failure rates, suspicious fee spikes and known bad patterns in logs. Alerts are published
to a message broker (package lib/msg) so that other services can consume them in real-time, and optionally persisted
to a database (package lib/store). Both layers are product agnostic and configured via a JSON config file at service
startup.

Client access is guarded by a token registry (package lib/auth) that blocks clients after repeated authentication
failures, and by a per-client token bucket rate limiter (package lib/limits) with separate budgets for general,
authentication and connection requests.

The service can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Monitor

The monitor microservice (package monitor) can be started running cmd/monitor/main.go. It exposes an HTTP RESTful
API: clients authenticate to obtain a token, subscribe to the event kinds they care about and then either poll
buffered events or upgrade to a websocket stream for push delivery. A status operation reports what is being
monitored, connected clients and the anomaly engine's view of system health.
*/
package chainwatch
