// Package ghostframe is an autonomous penetration-testing engagement
// runtime: a daemon that drives attack agents through a bounded kill
// chain against an authorised target, streaming findings and control
// events to attached clients over a local control-plane socket.
//
// # Architecture
//
//	Client (CLI/attach) → Control-Plane Server → Session Manager → Agents
//	                                                   ↓
//	                                          Tool Orchestrator → Sandbox Pool
//
// The Session Manager owns engagement lifecycle (create, start, pause,
// resume, stop) and checkpointing; each engagement runs one Attack
// Agent, which consults an external Reasoner for next-action decisions
// and dispatches tool calls through the Tool Orchestrator into an
// isolated Sandbox. An Event Bus fans out findings and phase
// transitions to subscribed clients and a durable audit stream. A
// Halt Switch gives any component a best-effort, budgeted way to stop
// all in-flight work immediately.
//
// See cmd/ghostframed for the daemon entrypoint.
package ghostframe
