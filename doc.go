// Package relay is the run execution core of a local agent OS: a durable
// queue of typed runs that workers lease, execute through a typed tool
// catalog, and complete with a stable observable result envelope.
//
// The root package holds the domain types and the machinery that glues them
// together: the Run lifecycle and RunStore contract, the task_result_v0
// envelope and its TaskContext builder, the tool catalog and runtime, the
// worker loop, the agent-loop orchestrator, the memory facts contract, and
// effective settings.
//
// Subpackages provide concrete implementations:
//
//   - store/sqlite, store/postgres — durable RunStore backends
//   - web                          — web.search / web.fetch provider and backends
//   - skills, sandbox              — sandboxed skill execution
//   - mcpclient, mcpserver         — MCP stdio tool provider and server toolkit
//   - handlers                     — the built-in task handlers
//   - server                       — the HTTP surface (Run API, Skill API)
//   - observer                     — OpenTelemetry wiring
package relay
