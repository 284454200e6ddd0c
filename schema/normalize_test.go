package schema

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeRoomType(t *testing.T) {
	cases := []struct {
		name     string
		value    string
		fallback RoomType
		want     RoomType
		valid    bool
	}{
		{"simple", "flow", "", "flow", true},
		{"uppercase", "Flow", "", "flow", true},
		{"trimmed", "  document ", "", "document", true},
		{"empty-fallback", "", "flow", "flow", true},
		{"empty-default", "", "", DefaultRoomType, true},
		{"with-dash", "flow-graph", "", "flow-graph", true},
		{"slash", "flow/graph", "", "", false},
		{"space", "flow graph", "", "", false},
		{"symbol", "flow@", "", "", false},
	}

	for _, tc := range cases {
		got, err := NormalizeRoomType(tc.value, tc.fallback)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid {
			if !errors.Is(err, ErrInvalidRoomType) {
				t.Fatalf("case %q expected ErrInvalidRoomType, got %v", tc.name, err)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestNormalizeRoomID(t *testing.T) {
	cases := []struct {
		name  string
		value string
		valid bool
	}{
		{"uuid", "6b0b3c3e-3f43-4d1e-9a59-8b0e2f1a5c11", true},
		{"mixed-case", "F1", true},
		{"unicode", "sida-å", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"slash", "a/b", false},
		{"control", "a\nb", false},
	}
	for _, tc := range cases {
		_, err := NormalizeRoomID(tc.value)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("case %q expected ErrInvalidRoomID, got %v", tc.name, err)
		}
	}
}

func TestRoomKeyStringSeparatesTypes(t *testing.T) {
	flow, err := NewRoomKey("flow", "F1", "")
	if err != nil {
		t.Fatalf("flow key: %v", err)
	}
	doc, err := NewRoomKey("document", "F1", "")
	if err != nil {
		t.Fatalf("document key: %v", err)
	}
	if flow == doc || flow.String() == doc.String() {
		t.Fatalf("expected distinct keys, got %q and %q", flow, doc)
	}
	if flow.String() != "flow/F1" {
		t.Fatalf("unexpected key string %q", flow.String())
	}
}

func TestNormalizeRoomsConfig(t *testing.T) {
	cfg, err := NormalizeRoomsConfig(RoomsConfig{Types: []RoomType{"Flow", "generic"}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.DefaultType != DefaultRoomType {
		t.Fatalf("expected default type %q, got %q", DefaultRoomType, cfg.DefaultType)
	}
	if !cfg.AllowsType("flow") || cfg.AllowsType("document") {
		t.Fatalf("unexpected allowed types: %v", cfg.Types)
	}
	if cfg.JanitorInterval != DefaultJanitorInterval {
		t.Fatalf("expected janitor default, got %s", cfg.JanitorInterval)
	}
	if _, err := NormalizeRoomsConfig(RoomsConfig{Types: []RoomType{"flow"}}); err == nil {
		t.Fatalf("expected error when default type is not allowed")
	}
	if _, err := NormalizeRoomsConfig(RoomsConfig{IdleTimeout: -time.Second}); err == nil {
		t.Fatalf("expected error for negative idle timeout")
	}
}
