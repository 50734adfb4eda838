// Package tokenstream is a streaming token delivery engine: clients
// open a websocket, submit prompts, and receive generated text back as
// paced, ordered chunks.
//
// # Architecture
//
// A request flows through five stages:
//
//   - admission: per-client sliding-window rate limiting plus a global
//     concurrent session cap
//   - respcache: fingerprinted response cache with a memory tier and an
//     optional persistent backend (file, redis, or JetStream KV)
//   - generator: the upstream text generator (OpenAI-compatible API or
//     a deterministic stub)
//   - session: session lifecycle, chunking, pacing, and the parallel
//     sub-prompt strategy
//   - transport: the websocket server, per-client batching, and the
//     connection registry
//
// The engine package wires these together from a single configuration;
// cmd/tokenstream is the binary entry point.
//
// Session lifecycle events fan out over NATS when enabled, and
// prometheus metrics cover every stage.
package tokenstream
