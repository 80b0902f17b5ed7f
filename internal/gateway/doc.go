// Package gateway runs the switchboard server.
//
// # Overview
//
// The Gateway wires the routing core (tracker, router, queue manager,
// notifier, dispatcher) to a store and serves it over HTTP. A gRPC health
// service is exposed on server.grpc_addr, or on the tailnet when Tailscale
// is enabled.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run loads agent availability and the queue from the store, then runs the
// servers, dispatcher and notifier together until ctx is cancelled.
//
// # HTTP API
//
// Conversations:
//
//	POST   /api/conversations/{id}/route      assign or queue
//	POST   /api/conversations/{id}/assign     {"agent_id"}
//	POST   /api/conversations/{id}/transfer   {"from_agent_id","to_agent_id"}
//	POST   /api/conversations/{id}/queue      {"priority"}
//	DELETE /api/conversations/{id}/queue      ?cancel=resolved|closed
//	POST   /api/conversations/{id}/escalate   {"reason"}
//	GET    /api/conversations/{id}/history    ?limit=&cursor=
//
// Tenants:
//
//	GET /api/tenants/{tenant}/agents/available?department=&language=
//	GET /api/tenants/{tenant}/workloads
//	GET /api/tenants/{tenant}/queue
//	GET /api/tenants/{tenant}/queue/next?department=
//	GET /api/tenants/{tenant}/queue/stats
//	GET /api/tenants/{tenant}/events            server-sent events
//
// Agents:
//
//	GET /api/agents/{id}/status
//	PUT /api/agents/{id}/status                 {"status"}
//	GET /api/agents/{id}/conversations
//	PUT /api/agents/{id}/departments            {"departments"}
//
// Errors are JSON objects with an "error" field. Not found maps to 404,
// conflict to 409, invalid input to 400 and store failures to 503.
package gateway
