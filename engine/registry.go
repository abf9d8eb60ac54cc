package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/dotflow"
)

// Execution bundles what a handler may see: the graph (read-only by
// contract), the shared run context, and the logs root. Handlers may
// write files under <LogsRoot>/<node-id>/ and must leave a status.json
// there on exit; the engine backfills it when a handler does not.
type Execution struct {
	Graph    *dotflow.Graph
	Context  *dotflow.Context
	LogsRoot string

	// Emit broadcasts an engine event; never nil during a run.
	Emit dotflow.EventEmitter

	// Branch dispatches one parallel branch. Supplied by the engine so
	// the parallel handler needs no reference back into the run loop.
	Branch BranchExecutor

	// History lists completed stages in order, for fidelity resolution.
	History []StageRecord

	// IncomingEdge is the edge used to reach the current node (nil for
	// the start node).
	IncomingEdge *dotflow.Edge
}

// StageRecord is one completed stage as seen by the fidelity resolver.
type StageRecord struct {
	NodeID    string
	ThreadKey string
	Outcome   dotflow.Outcome
}

// Handler executes one node. Implementations must not mutate the graph.
type Handler interface {
	Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	return f(ctx, ex, node)
}

// Handler type names.
const (
	TypeStart       = "start"
	TypeExit        = "exit"
	TypeCodergen    = "codergen"
	TypeWaitHuman   = "wait.human"
	TypeConditional = "conditional"
	TypeParallel    = "parallel"
	TypeFanIn       = "parallel.fan_in"
	TypeTool        = "tool"
	TypeCodingAgent = "coding_agent"
)

// shapeTypes maps semantic shapes (and their Graphviz aliases) to default
// handler types. Nodes without a shape fall back to the registry default.
var shapeTypes = map[string]string{
	"entry":         TypeStart,
	"Mdiamond":      TypeStart,
	"terminal":      TypeExit,
	"Msquare":       TypeExit,
	"diamond":       TypeConditional,
	"hexagon":       TypeWaitHuman,
	"human":         TypeWaitHuman,
	"parallelogram": TypeTool,
	"component":     TypeParallel,
	"parallel":      TypeParallel,
	"fan_in":        TypeFanIn,
	"join":          TypeFanIn,
	"agent":         TypeCodingAgent,
	"box":           TypeCodergen,
	"llm":           TypeCodergen,
}

// ResolveType returns the handler type for a node: explicit type wins,
// then the shape-derived default, then the registry default.
func ResolveType(n *dotflow.Node) string {
	if t := n.TypeOverride(); t != "" {
		return t
	}
	if n.IsTerminal() {
		return TypeExit
	}
	if n.IsStart() {
		return TypeStart
	}
	if t, ok := shapeTypes[n.Shape()]; ok {
		return t
	}
	return ""
}

// Registry maps handler type names to handler implementations. It is
// read-only after construction; the lock only guards registration.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	order       []string
	defaultType string
}

// NewRegistry creates an empty registry with the given default type.
func NewRegistry(defaultType string) *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		defaultType: defaultType,
	}
}

// Register adds a handler for a type name. Re-registering replaces the
// previous handler.
func (r *Registry) Register(typeName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typeName]; !exists {
		r.order = append(r.order, typeName)
	}
	r.handlers[typeName] = h
}

// Get returns the handler registered for a type name.
func (r *Registry) Get(typeName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeName]
	return h, ok
}

// Types returns registered type names in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Resolve picks the handler for a node following the resolution order:
// explicit type, shape default, registry default. An unknown type after
// all three is a configuration error.
func (r *Registry) Resolve(n *dotflow.Node) (Handler, string, error) {
	typeName := ResolveType(n)
	if typeName == "" {
		typeName = r.defaultType
	}
	h, ok := r.Get(typeName)
	if !ok {
		return nil, typeName, fmt.Errorf("node %s: no handler registered for type %q", n.ID, typeName)
	}
	return h, typeName, nil
}
