// Package client is the Go SDK for a govledger server.
//
// # Writing to a chain
//
// Every chain is identified by a scope chosen by the caller, typically an
// organisation or deployment name:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.Append(ctx, "acme", "agent-7", "ANALYTICS_QUERY",
//	    map[string]any{"rows": 42})
//
// # Governance
//
// Agents that cannot embed the Go governance package ask the server before
// running a tool. The answer is recorded in the chain either way:
//
//	_, err := c.EvaluateToolCall(ctx, "acme", "agent-7", "database_delete", params)
//	if errors.Is(err, client.ErrBlocked) {
//	    // do not run the tool
//	}
//
// LogDecision and RecordCommunication record decisions and messages.
//
// # Verification
//
// ExportAll fetches a whole chain; Verify sends exported records back for an
// independent check, and Checkpoint returns a signed token for the current
// head that can later prove the chain was not rewritten.
package client
