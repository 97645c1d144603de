package lua

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestBridgeRoundTrip(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.LuaState())

	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"float", 1.5, 1.5},
		{"string", "deck", "deck"},
		{"slice", []interface{}{int64(1), "a"}, []interface{}{int64(1), "a"}},
		{"map", map[string]interface{}{"k": "v"}, map[string]interface{}{"k": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.ToGoValue(b.ToLuaValue(tt.in))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("round trip = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBridgeLuaTableToGo(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.LuaState())

	if err := s.DoString(`
		arr = {10, 20, 30}
		obj = {name = "anki-import", count = 2}
	`); err != nil {
		t.Fatal(err)
	}

	arr := b.ToGoValue(s.GetGlobal("arr"))
	if !reflect.DeepEqual(arr, []interface{}{int64(10), int64(20), int64(30)}) {
		t.Errorf("arr = %#v", arr)
	}

	obj, ok := b.ToGoValue(s.GetGlobal("obj")).(map[string]interface{})
	if !ok {
		t.Fatalf("obj converted to %T, want map", obj)
	}
	if obj["name"] != "anki-import" || obj["count"] != int64(2) {
		t.Errorf("obj = %#v", obj)
	}
}

func TestBridgeCircularTable(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.LuaState())

	if err := s.DoString(`t = {} t.self = t`); err != nil {
		t.Fatal(err)
	}

	// Must terminate; the cycle is broken with nil.
	got := b.ToGoValue(s.GetGlobal("t"))
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("converted to %T, want map", got)
	}
	if m["self"] != nil {
		t.Errorf("m[self] = %#v, want nil", m["self"])
	}
}

func TestBridgeFunctionNotConvertible(t *testing.T) {
	s := newTestState(t)
	b := NewBridge(s.LuaState())

	if err := s.DoString(`f = function() end`); err != nil {
		t.Fatal(err)
	}
	if got := b.ToGoValue(s.GetGlobal("f")); got != nil {
		t.Errorf("function converted to %#v, want nil", got)
	}
	if b.ToLuaValue(nil) != lua.LNil {
		t.Error("ToLuaValue(nil) != LNil")
	}
}
