// Package dotflow provides the shared data model for the dotflow pipeline
// system: the parsed graph (nodes, edges, subgraphs, attributes), the
// outcome algebra handlers report, the mutable run context, checkpoints,
// and the engine event types.
//
// The subsystems live in subpackages:
//
//   - dot       parses the strict DOT subset into a Graph
//   - transform applies ordered graph rewrites ($goal, stylesheets)
//   - validate  runs the diagnostic rule set
//   - engine    drives a Graph to completion through registered handlers
//   - cond      evaluates edge condition expressions
//   - style     parses model stylesheets
//   - llm       is the provider-agnostic LLM client with per-family adapters
//   - bus       distributes and persists engine events
//   - loader    detects and loads DOT or YAML pipeline sources
//   - otel      bridges engine events to OpenTelemetry spans
package dotflow

// Version is the dotflow library version.
const Version = "0.4.0"
