package builtin

import (
	"context"
	"errors"
	"time"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// HangupFunc ends the session's call on the transport. nil means there is
// no call to end (text transport); the tool still succeeds so terminal
// goals behave the same in both modes.
type HangupFunc func(ctx context.Context, sid string) error

// RegisterAll registers the stock tool set on reg, wiring the back-office
// tools to backend and call_hangup to hangup. Default result mappings are
// installed for tools whose results should land in session memory; operator
// config mappings take precedence.
func RegisterAll(reg *tool.Registry, backend Backend, hangup HangupFunc) error {
	regs := []struct {
		schema  tool.Schema
		handler tool.Handler
	}{
		{extractionSchema, extractionHandler},
		{customerLookupSchema, customerLookupHandler(backend)},
		{customerCreateSchema, customerCreateHandler(backend)},
		{taskCreateSchema, taskCreateHandler(backend)},
		{taskUpdateSchema, taskUpdateHandler(backend)},
		{searchSlotsSchema, searchSlotsHandler(backend)},
		{bookSlotSchema, bookSlotHandler(backend)},
		{hangupSchema, hangupHandler(hangup)},
	}
	for _, r := range regs {
		if err := reg.Register(r.schema, r.handler); err != nil {
			return err
		}
	}
	for _, m := range defaultMappings() {
		reg.SetDefaultMapping(m)
	}
	return nil
}

// defaultMappings routes the stock tools' results into session memory.
func defaultMappings() []config.ToolMapping {
	return []config.ToolMapping{
		{Tool: "memory_update_extraction_fields", Merge: true},
		{Tool: "customer_lookup", Paths: map[string]string{
			"id":      "customer.id",
			"name":    "customer.name",
			"phone":   "customer.phone",
			"email":   "customer.email",
			"address": "customer.address",
		}},
		{Tool: "customer_create", Paths: map[string]string{
			"id": "customer.id",
		}},
		{Tool: "task_create", Paths: map[string]string{
			"id":     "operations.task_id",
			"status": "operations.task_status",
		}},
		{Tool: "task_update", Paths: map[string]string{
			"status": "operations.task_status",
		}},
		{Tool: "calendar_book_slot", Paths: map[string]string{
			"id":      "operations.booking_id",
			"slot_id": "operations.slot_id",
		}},
	}
}

// --- memory_update_extraction_fields ---

var extractionSchema = tool.Schema{
	Name: "memory_update_extraction_fields",
	Description: "Record facts the customer stated. Pass only the fields you " +
		"learned this turn, nested under their section, e.g. " +
		`{"customer":{"name":"Ada"},"service":{"primary_request":"roof repair"}}.`,
	Category: "memory",
	Fields: []tool.Field{
		{Name: session.SectionCustomer, Type: tool.TypeObject, Description: "Identity and contact fields."},
		{Name: session.SectionService, Type: tool.TypeObject, Description: "The customer's request and its details."},
		{Name: session.SectionOperations, Type: tool.TypeObject, Description: "Operational state such as task or booking ids."},
		{Name: session.SectionConversationMeta, Type: tool.TypeObject, Description: "Conversation-level notes."},
		{Name: session.SectionStateFlags, Type: tool.TypeObject, Description: "Boolean-ish conversation flags."},
	},
}

// extractionHandler echoes the known memory sections of the arguments; the
// merge mapping folds them into session memory. Unknown top-level keys are
// dropped so a hallucinated section cannot grow the tree.
func extractionHandler(_ context.Context, args memtree.Value, _ string) tool.Result {
	sections := map[string]memtree.Value{}
	for _, name := range []string{
		session.SectionCustomer,
		session.SectionService,
		session.SectionOperations,
		session.SectionConversationMeta,
		session.SectionStateFlags,
	} {
		if v, ok := memtree.GetPath(args, name); ok && v.IsSet() {
			sections[name] = v
		}
	}
	if len(sections) == 0 {
		return tool.Errf(tool.ErrArgInvalid, "no recognised memory sections in update")
	}
	return tool.Ok(memtree.Map(sections))
}

// --- customer tools ---

var customerLookupSchema = tool.Schema{
	Name:        "customer_lookup",
	Description: "Look up an existing customer record by phone number or full name.",
	Category:    "customer",
	Fields: []tool.Field{
		{Name: "phone", Type: tool.TypeString, Description: "Phone number, preferred lookup key."},
		{Name: "name", Type: tool.TypeString, Description: "Full name, used when no phone is known."},
	},
}

func customerLookupHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		phone, name := leaf(args, "phone"), leaf(args, "name")
		if phone == "" && name == "" {
			return tool.Errf(tool.ErrArgInvalid, "one of phone, name is required")
		}
		c, err := b.CustomerLookup(ctx, phone, name)
		if err != nil {
			return backendError(err)
		}
		return tool.Ok(customerPayload(c))
	}
}

var customerCreateSchema = tool.Schema{
	Name:        "customer_create",
	Description: "Create a new customer record.",
	Category:    "customer",
	Fields: []tool.Field{
		{Name: "name", Type: tool.TypeString, Required: true},
		{Name: "phone", Type: tool.TypeString, Required: true},
		{Name: "email", Type: tool.TypeString},
		{Name: "address", Type: tool.TypeString},
	},
}

func customerCreateHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		c, err := b.CustomerCreate(ctx, Customer{
			Name:    leaf(args, "name"),
			Phone:   leaf(args, "phone"),
			Email:   leaf(args, "email"),
			Address: leaf(args, "address"),
		})
		if err != nil {
			return backendError(err)
		}
		return tool.Ok(customerPayload(c))
	}
}

// --- task tools ---

var taskCreateSchema = tool.Schema{
	Name:        "task_create",
	Description: "Create a back-office work order for the customer's request.",
	Category:    "task",
	Fields: []tool.Field{
		{Name: "customer_id", Type: tool.TypeString, Required: true},
		{Name: "title", Type: tool.TypeString, Required: true},
		{Name: "description", Type: tool.TypeString, Description: "What needs doing, in the customer's words."},
	},
	Enrich: []tool.Enrichment{{
		Arg: "description",
		Paths: []string{
			"customer.name",
			"customer.phone",
			"customer.address",
			"service.primary_request",
			"conversation_meta.summary",
		},
	}},
}

func taskCreateHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		t, err := b.TaskCreate(ctx, Task{
			CustomerID:  leaf(args, "customer_id"),
			Title:       leaf(args, "title"),
			Description: leaf(args, "description"),
		})
		if err != nil {
			return backendError(err)
		}
		return tool.Ok(taskPayload(t))
	}
}

var taskUpdateSchema = tool.Schema{
	Name:        "task_update",
	Description: "Update an existing work order's title, description, or status.",
	Category:    "task",
	Fields: []tool.Field{
		{Name: "task_id", Type: tool.TypeString, Required: true},
		{Name: "title", Type: tool.TypeString},
		{Name: "description", Type: tool.TypeString},
		{Name: "status", Type: tool.TypeString, Description: "One of open, scheduled, done, cancelled."},
	},
	Enrich: []tool.Enrichment{{
		Arg:   "description",
		Paths: []string{"service.primary_request", "conversation_meta.summary"},
	}},
}

func taskUpdateHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		t, err := b.TaskUpdate(ctx, Task{
			ID:          leaf(args, "task_id"),
			Title:       leaf(args, "title"),
			Description: leaf(args, "description"),
			Status:      leaf(args, "status"),
		})
		if err != nil {
			return backendError(err)
		}
		return tool.Ok(taskPayload(t))
	}
}

// --- calendar tools ---

var searchSlotsSchema = tool.Schema{
	Name:        "calendar_search_slots",
	Description: "List bookable appointment slots in a date range. Times are RFC 3339.",
	Category:    "calendar",
	Fields: []tool.Field{
		{Name: "from", Type: tool.TypeString, Description: "Range start; defaults to now."},
		{Name: "to", Type: tool.TypeString, Description: "Range end; defaults to seven days after from."},
	},
}

func searchSlotsHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		from, to := time.Now(), time.Time{}
		if raw := leaf(args, "from"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return tool.Errf(tool.ErrArgInvalid, "from: %v", err)
			}
			from = parsed
		}
		if raw := leaf(args, "to"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return tool.Errf(tool.ErrArgInvalid, "to: %v", err)
			}
			to = parsed
		}
		if to.IsZero() {
			to = from.Add(7 * 24 * time.Hour)
		}
		if !to.After(from) {
			return tool.Errf(tool.ErrArgInvalid, "to must be after from")
		}
		slots, err := b.SearchSlots(ctx, from, to)
		if err != nil {
			return backendError(err)
		}
		elems := make([]memtree.Value, 0, len(slots))
		for _, s := range slots {
			elems = append(elems, memtree.Map(map[string]memtree.Value{
				"id":    memtree.String(s.ID),
				"start": memtree.String(s.Start.UTC().Format(time.RFC3339)),
				"end":   memtree.String(s.End.UTC().Format(time.RFC3339)),
			}))
		}
		return tool.Ok(memtree.Map(map[string]memtree.Value{
			"slots": memtree.List(elems...),
		}))
	}
}

var bookSlotSchema = tool.Schema{
	Name:        "calendar_book_slot",
	Description: "Book one of the slots returned by calendar_search_slots.",
	Category:    "calendar",
	Fields: []tool.Field{
		{Name: "slot_id", Type: tool.TypeString, Required: true},
		{Name: "task_id", Type: tool.TypeString, Description: "Work order to attach the appointment to."},
	},
}

func bookSlotHandler(b Backend) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		bk, err := b.BookSlot(ctx, leaf(args, "slot_id"), leaf(args, "task_id"))
		if err != nil {
			return backendError(err)
		}
		return tool.Ok(memtree.Map(map[string]memtree.Value{
			"id":      memtree.String(bk.ID),
			"slot_id": memtree.String(bk.SlotID),
			"task_id": memtree.String(bk.TaskID),
		}))
	}
}

// --- call control ---

var hangupSchema = tool.Schema{
	Name: "call_hangup",
	Description: "End the call. Use only after the customer has said goodbye " +
		"or the conversation has clearly concluded.",
	Category: "call",
}

func hangupHandler(hangup HangupFunc) tool.Handler {
	return func(ctx context.Context, _ memtree.Value, sid string) tool.Result {
		if hangup != nil {
			if err := hangup(ctx, sid); err != nil {
				return tool.Errf(tool.ErrUpstreamFailed, "hangup: %v", err)
			}
		}
		return tool.Ok(memtree.Map(map[string]memtree.Value{
			"status": memtree.String("hung_up"),
		}))
	}
}

// --- helpers ---

// leaf reads a top-level string argument; missing or non-leaf values read
// as "".
func leaf(args memtree.Value, name string) string {
	v, ok := memtree.GetPath(args, name)
	if !ok {
		return ""
	}
	return v.LeafString()
}

// backendError maps a backend failure onto the tool error vocabulary.
func backendError(err error) tool.Result {
	var miss *ErrBackendNotFound
	switch {
	case errors.As(err, &miss):
		return tool.Errf(tool.ErrNotFound, "%v", err)
	case errors.Is(err, ErrBackendUnauthorized):
		return tool.Errf(tool.ErrUnauthorized, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return tool.Errf(tool.ErrTimeout, "%v", err)
	default:
		return tool.Errf(tool.ErrUpstreamFailed, "%v", err)
	}
}

func customerPayload(c *Customer) memtree.Value {
	return memtree.Map(map[string]memtree.Value{
		"id":      memtree.String(c.ID),
		"name":    memtree.String(c.Name),
		"phone":   memtree.String(c.Phone),
		"email":   memtree.String(c.Email),
		"address": memtree.String(c.Address),
	})
}

func taskPayload(t *Task) memtree.Value {
	return memtree.Map(map[string]memtree.Value{
		"id":          memtree.String(t.ID),
		"customer_id": memtree.String(t.CustomerID),
		"title":       memtree.String(t.Title),
		"description": memtree.String(t.Description),
		"status":      memtree.String(t.Status),
	})
}
