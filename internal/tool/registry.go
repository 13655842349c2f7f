package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// Memory is the registry's view of session memory, used for context
// enrichment reads and result-mapping writes. Backed by the store in
// stand-alone invocations; during an orchestrated turn the orchestrator
// passes a transaction-bound implementation instead, because the session's
// lock is already held for the whole turn and the store would deadlock.
type Memory interface {
	// ReadPaths resolves the given dotted paths against session memory.
	ReadPaths(sid string, paths []string) (map[string]memtree.Value, error)

	// MergeMemory deep-merges update into session memory.
	MergeMemory(sid string, update memtree.Value) error
}

// StoreMemory adapts a [*session.Store] to [Memory]. Each call takes and
// releases the session's lock.
type StoreMemory struct {
	Store *session.Store
}

func (m StoreMemory) ReadPaths(sid string, paths []string) (map[string]memtree.Value, error) {
	return m.Store.ReadPaths(sid, paths)
}

func (m StoreMemory) MergeMemory(sid string, update memtree.Value) error {
	_, err := m.Store.Update(sid, update)
	return err
}

// Registry is the process-wide tool catalogue. Registration happens at
// startup (and from MCP imports); the catalogue is read-mostly afterwards
// and safe for concurrent use.
type Registry struct {
	mem         Memory
	hardTimeout time.Duration

	mu       sync.RWMutex
	tools    map[string]*registration
	mappings map[string]config.ToolMapping
}

type registration struct {
	schema  Schema
	handler Handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithMappings installs the declarative result-to-memory mappings.
func WithMappings(mappings []config.ToolMapping) Option {
	return func(r *Registry) {
		for _, m := range mappings {
			r.mappings[m.Tool] = m
		}
	}
}

// WithHardTimeout sets how long Invoke waits for a handler that ignores
// cancellation before abandoning it. Default 15s.
func WithHardTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.hardTimeout = d
		}
	}
}

// NewRegistry constructs a Registry writing memory updates through store.
// A nil store disables enrichment and result mappings for stand-alone
// invocations (Invoke); InvokeWith still applies both.
func NewRegistry(store *session.Store, opts ...Option) *Registry {
	r := &Registry{
		hardTimeout: 15 * time.Second,
		tools:       make(map[string]*registration),
		mappings:    make(map[string]config.ToolMapping),
	}
	if store != nil {
		r.mem = StoreMemory{Store: store}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetDefaultMapping installs a result mapping for one tool unless the
// operator's config already provides one. Built-in tools ship sensible
// defaults; config always wins.
func (r *Registry) SetDefaultMapping(m config.ToolMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[m.Tool]; !ok {
		r.mappings[m.Tool] = m
	}
}

// Register adds a tool keyed on its schema name. Registration is
// idempotent: registering the same name again replaces the previous entry.
func (r *Registry) Register(schema Schema, handler Handler) error {
	if schema.Name == "" {
		return fmt.Errorf("tool: schema name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool: handler must not be nil for %q", schema.Name)
	}
	// Compile eagerly so malformed schemas fail at startup, not mid-turn.
	if _, err := compiledSchema(schema); err != nil {
		return fmt.Errorf("tool: schema %q: %w", schema.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[schema.Name] = &registration{schema: schema, handler: handler}
	return nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the schemas for the given names, skipping names that are
// not registered. The result order follows the input order.
func (r *Registry) Describe(names []string) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			out = append(out, reg.schema)
		}
	}
	return out
}

// Invoke validates argsJSON against the tool's schema, applies context
// enrichment, runs the handler, and on success applies the tool's result
// mapping to session memory through the store. The returned Invocation
// always carries a Result; classified failures are data, not errors, so the
// turn continues.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON, sid string) Invocation {
	return r.InvokeWith(ctx, name, argsJSON, sid, r.mem)
}

// InvokeWith is Invoke with an explicit memory accessor. The orchestrator
// passes its turn transaction here so enrichment reads and mapping writes
// happen inside the already-held session lock.
func (r *Registry) InvokeWith(ctx context.Context, name, argsJSON, sid string, mem Memory) Invocation {
	inv := Invocation{Name: name, Args: argsJSON}
	start := time.Now()
	defer func() { inv.Latency = time.Since(start) }()

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		inv.Result = Errf(ErrNotFound, "tool %q is not registered", name)
		return inv
	}

	// Decode and validate before anything touches the session.
	decoded, err := decodeArgs(argsJSON)
	if err != nil {
		inv.Result = Errf(ErrArgInvalid, "arguments are not valid JSON: %v", err)
		return inv
	}
	schema, err := compiledSchema(reg.schema)
	if err != nil {
		inv.Result = Errf(ErrUnknown, "schema compile: %v", err)
		return inv
	}
	if err := schema.Validate(decoded); err != nil {
		inv.Result = Errf(ErrArgInvalid, "arguments rejected by schema: %v", err)
		return inv
	}

	if enriched, changed := enrich(reg.schema, decoded, sid, mem); changed {
		decoded = enriched
		inv.Enriched = true
		if raw, err := json.Marshal(decoded); err == nil {
			inv.Args = string(raw)
		}
	}

	inv.Result = r.callHandler(ctx, reg.handler, memtree.FromAny(decoded), sid)

	if inv.Result.OK {
		r.applyMapping(name, inv.Result.Payload, sid, mem)
	}
	return inv
}

// decodeArgs parses the LLM-supplied JSON argument string. An empty string
// means no arguments.
func decodeArgs(argsJSON string) (map[string]any, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

// enrich applies the schema's declarative enrichments: for each declared
// argument, append a formatted snapshot of the named memory paths. Returns
// whether any argument was modified.
func enrich(schema Schema, args map[string]any, sid string, mem Memory) (map[string]any, bool) {
	if len(schema.Enrich) == 0 || mem == nil {
		return args, false
	}
	changed := false
	for _, e := range schema.Enrich {
		current, ok := args[e.Arg].(string)
		if !ok {
			continue
		}
		values, err := mem.ReadPaths(sid, e.Paths)
		if err != nil || len(values) == 0 {
			continue
		}
		var sb strings.Builder
		sb.WriteString(current)
		sb.WriteString("\n\nContext:")
		for _, p := range e.Paths {
			v, ok := values[p]
			if !ok || !v.IsSet() {
				continue
			}
			fmt.Fprintf(&sb, "\n- %s: %s", p, v.LeafString())
		}
		if sb.String() != current {
			args[e.Arg] = sb.String()
			changed = true
		}
	}
	return args, changed
}

// callHandler runs the handler in its own goroutine so a handler that
// ignores cancellation can be abandoned after the hard timeout.
func (r *Registry) callHandler(ctx context.Context, handler Handler, args memtree.Value, sid string) Result {
	done := make(chan Result, 1)
	go func() {
		done <- handler(ctx, args, sid)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
	}

	// The turn was cancelled; give the handler until the hard timeout to
	// notice before abandoning it.
	select {
	case res := <-done:
		return res
	case <-time.After(r.hardTimeout):
		slog.Warn("tool_orphan: handler ignored cancellation and was abandoned",
			"session", sid, "hard_timeout", r.hardTimeout)
		return Errf(ErrTimeout, "tool abandoned after %s", r.hardTimeout)
	}
}

// applyMapping copies declared result fields into session memory. Missing
// result paths are skipped; mapping failures never fail the invocation.
func (r *Registry) applyMapping(name string, payload memtree.Value, sid string, mem Memory) {
	r.mu.RLock()
	mapping, ok := r.mappings[name]
	r.mu.RUnlock()
	if !ok || mem == nil {
		return
	}

	appendSet := make(map[string]bool, len(mapping.AppendPaths))
	for _, p := range mapping.AppendPaths {
		appendSet[p] = true
	}

	update := memtree.Map(nil)
	wrote := false
	if mapping.Merge && payload.Kind() == memtree.KindMap {
		// Merge-all mappings (the extraction tool) fold the whole payload
		// into memory; explicit path mappings still apply on top.
		update = payload.Clone()
		wrote = true
	}
	for resultPath, memoryPath := range mapping.Paths {
		v, ok := memtree.GetPath(payload, resultPath)
		if !ok {
			continue
		}
		if appendSet[memoryPath] {
			v = memtree.Append(v)
		}
		p, err := memtree.ParsePath(memoryPath)
		if err != nil {
			continue
		}
		next, err := memtree.Set(update, p, v)
		if err != nil {
			slog.Warn("tool mapping skipped", "tool", name, "memory_path", memoryPath, "error", err)
			continue
		}
		update = next
		wrote = true
	}
	if !wrote {
		return
	}
	if err := mem.MergeMemory(sid, update); err != nil {
		slog.Warn("tool mapping update failed", "tool", name, "session", sid, "error", err)
	}
}

// schemaCache caches compiled JSON Schemas keyed by their serialized form.
var schemaCache sync.Map

// compiledSchema renders and compiles the JSON Schema for a tool, caching
// the result.
func compiledSchema(s Schema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(s.parametersSchema())
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(s.Name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
