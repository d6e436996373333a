package luavm

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/seantiz/hearth/internal/hostapi"
)

type visitKey struct {
	ptr uintptr
	len int
}

// toLua converts a Go value to a Lua value. Maps and slices become tables;
// a container reached twice converts to the same table, so cycles survive.
func (m *Machine) toLua(v any) lua.LValue {
	return m.toLuaSeen(v, make(map[visitKey]*lua.LTable))
}

func (m *Machine) toLuaValues(values []any) []lua.LValue {
	out := make([]lua.LValue, len(values))
	seen := make(map[visitKey]*lua.LTable)
	for i, v := range values {
		out[i] = m.toLuaSeen(v, seen)
	}
	return out
}

func (m *Machine) toLuaSeen(v any, seen map[visitKey]*lua.LTable) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int8:
		return lua.LNumber(v)
	case int16:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint:
		return lua.LNumber(v)
	case uint8:
		return lua.LNumber(v)
	case uint16:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case hostapi.Object:
		return m.objectTable(v)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return lua.LNil
		}
		key := visitKey{ptr: rv.Pointer()}
		if t, ok := seen[key]; ok {
			return t
		}
		t := m.state.CreateTable(0, rv.Len())
		seen[key] = t
		iter := rv.MapRange()
		for iter.Next() {
			k := m.toLuaSeen(iter.Key().Interface(), seen)
			val := m.toLuaSeen(iter.Value().Interface(), seen)
			if k == lua.LNil || val == lua.LNil {
				continue
			}
			t.RawSet(k, val)
		}
		return t
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return lua.LNil
		}
		track := rv.Kind() == reflect.Slice && rv.Len() > 0
		var key visitKey
		if track {
			key = visitKey{ptr: rv.Pointer(), len: rv.Len()}
			if t, ok := seen[key]; ok {
				return t
			}
		}
		t := m.state.CreateTable(rv.Len(), 0)
		if track {
			seen[key] = t
		}
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, m.toLuaSeen(rv.Index(i).Interface(), seen))
		}
		return t
	}
	return lua.LNil
}

// fromLua converts a Lua value to plain Go: numbers become float64, tables
// become map[any]any and everything not representable becomes nil.
func fromLua(v lua.LValue) any {
	return fromLuaSeen(v, make(map[*lua.LTable]map[any]any))
}

func fromLuaValues(values []lua.LValue) []any {
	out := make([]any, len(values))
	seen := make(map[*lua.LTable]map[any]any)
	for i, v := range values {
		out[i] = fromLuaSeen(v, seen)
	}
	return out
}

func fromLuaSeen(v lua.LValue, seen map[*lua.LTable]map[any]any) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if out, ok := seen[v]; ok {
			return out
		}
		out := make(map[any]any)
		seen[v] = out
		v.ForEach(func(k, val lua.LValue) {
			// Converted tables are not hashable, so table keys are skipped
			// like nil ones.
			if _, ok := k.(*lua.LTable); ok {
				return
			}
			gk := fromLuaSeen(k, seen)
			gv := fromLuaSeen(val, seen)
			if gk == nil || gv == nil {
				return
			}
			out[gk] = gv
		})
		return out
	}
	return nil
}

// argValues converts the arguments on L's stack.
func argValues(L *lua.LState) []any {
	n := L.GetTop()
	values := make([]lua.LValue, n)
	for i := 1; i <= n; i++ {
		values[i-1] = L.Get(i)
	}
	return fromLuaValues(values)
}

func stackValues(L *lua.LState, from int) []lua.LValue {
	n := L.GetTop()
	if n < from {
		return nil
	}
	values := make([]lua.LValue, 0, n-from+1)
	for i := from; i <= n; i++ {
		values = append(values, L.Get(i))
	}
	return values
}
