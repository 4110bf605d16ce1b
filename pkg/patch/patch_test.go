package patch

import (
	"testing"

	"github.com/go-go-golems/pupdash/pkg/protocol"
)

var schema = protocol.ConfigSchema{Sections: []protocol.ConfigSection{{
	Name: "network",
	Fields: []protocol.ConfigField{
		{Name: "port", Type: "number", Required: true},
		{Name: "public", Type: "toggle"},
		{Name: "label", Type: "text"},
	},
}}}

func TestApply_DoesNotMutateCurrent(t *testing.T) {
	current := Config{"label": "old", "tls": map[string]any{"cert": "a"}}
	out, err := Apply(current, Patch{
		Set:   map[string]any{"label": "new", "tls.key": "b"},
		Unset: []string{"tls.cert"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["label"] != "new" {
		t.Fatalf("expected new label, got %#v", out["label"])
	}
	tls := out["tls"].(map[string]any)
	if _, ok := tls["cert"]; ok || tls["key"] != "b" {
		t.Fatalf("unexpected tls %#v", tls)
	}
	if current["label"] != "old" || current["tls"].(map[string]any)["cert"] != "a" {
		t.Fatalf("current was mutated: %#v", current)
	}
}

func TestApply_RejectsPathThroughScalar(t *testing.T) {
	_, err := Apply(Config{"label": "x"}, Patch{Set: map[string]any{"label.inner": 1}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCoerce_UsesManifestTypes(t *testing.T) {
	out, err := Coerce(schema, Config{"port": "8080", "public": "true", "label": "42"})
	if err != nil {
		t.Fatal(err)
	}
	if out["port"].(float64) != 8080 || out["public"] != true || out["label"] != "42" {
		t.Fatalf("unexpected coercion %#v", out)
	}

	if _, err := Coerce(schema, Config{"port": "eighty"}); err == nil {
		t.Fatal("expected number error")
	}
	if _, err := Coerce(schema, Config{"colour": "red"}); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Coerce(protocol.ConfigSchema{}, Config{"anything": "goes"}); err != nil {
		t.Fatal(err)
	}
}

func TestMissing_ListsRequiredFields(t *testing.T) {
	if got := Missing(schema, Config{"public": true}); len(got) != 1 || got[0] != "port" {
		t.Fatalf("expected [port], got %v", got)
	}
	if got := Missing(schema, Config{"port": 1.0}); len(got) != 0 {
		t.Fatalf("expected nothing missing, got %v", got)
	}
}
