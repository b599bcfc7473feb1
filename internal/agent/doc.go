// Package agent is the gateway's client for the backend conversational
// service. The gateway treats it as an opaque asynchronous call:
//
//	res, err := svc.Process(ctx, &agent.Request{Content: "hi", CorrelationID: env.ID})
//
// Three backends are available, selected by agent.backend in the config:
//
//   - echo: answers with the request content (development and tests)
//   - http: POSTs the Request as JSON to agent.http_url and reads a Result
//   - redis: XADDs the Request to agent.redis_stream and waits for a Result
//     published on agent.reply_prefix + correlation_id
//
// Any error, including an empty answer, becomes an agent_processing_failed
// ErrorEvent on the client's connection.
package agent
