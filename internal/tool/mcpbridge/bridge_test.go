package mcpbridge

import (
	"context"
	"testing"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

func TestPayloadFromText(t *testing.T) {
	t.Parallel()

	// Structured JSON results keep their shape for result mappings.
	v := payloadFromText(`{"id":"T-9","status":"open"}`)
	if got, ok := memtree.GetPath(v, "id"); !ok || got.LeafString() != "T-9" {
		t.Errorf("id = %v (ok=%v)", got, ok)
	}

	// Plain text is wrapped.
	v = payloadFromText("three results found")
	if got, ok := memtree.GetPath(v, "text"); !ok || got.LeafString() != "three results found" {
		t.Errorf("text = %v (ok=%v)", got, ok)
	}

	// Broken JSON degrades to the text wrapper instead of erroring.
	v = payloadFromText(`{"id": broken`)
	if _, ok := memtree.GetPath(v, "text"); !ok {
		t.Errorf("broken JSON not wrapped: %v", v)
	}
}

func TestBuildTransport_Validation(t *testing.T) {
	t.Parallel()

	cases := []config.MCPServerConfig{
		{Name: "a", Transport: config.TransportStdio, Command: ""},
		{Name: "b", Transport: config.TransportStreamableHTTP, URL: ""},
		{Name: "c", Transport: "carrier-pigeon"},
	}
	for _, srv := range cases {
		if _, err := buildTransport(context.Background(), srv); err == nil {
			t.Errorf("buildTransport(%+v) succeeded, want error", srv)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v", m)
	}
	direct := map[string]any{"type": "object", "properties": map[string]any{}}
	if m := schemaToMap(direct); m["properties"] == nil {
		t.Errorf("map schema lost properties: %v", m)
	}
	type fake struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(fake{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
}
