// Package health answers node status requests over NATS using a
// request/reply pattern.
//
// Each metadata server node subscribes to its own status subject and replies
// with its uptime and whatever its StatusFunc reports, typically lease counts,
// safe mode and the outcome of the last expiry scan. Operators and other
// nodes query it without going through the HTTP health endpoint.
//
// # Usage
//
//	responder, err := health.NewResponder(health.Config{
//	    Name:   "meta",
//	    NodeID: "node-1",
//	    Status: ns.Status,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := responder.Start(nc); err != nil {
//	    log.Fatal(err)
//	}
//	defer responder.Stop()
//
//	// Query another node
//	resp, err := health.Query(ctx, nc, "meta", "node-2", 5*time.Second)
//
// # NATS Subject Pattern
//
// Status requests use the subject pattern: <name>.status.<nodeID>
package health
