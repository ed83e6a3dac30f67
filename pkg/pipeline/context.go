package pipeline

import (
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// metadataKeys never flow from a step's output into the running context.
var metadataKeys = map[string]bool{
	KeyDocumentID:    true,
	KeyDocumentTitle: true,
	KeyExecutionID:   true,
	"error":          true,
	"processor":      true,
	"timestamp":      true,
	"step_id":        true,
	"step_name":      true,
}

func isMetadataKey(k string) bool {
	return metadataKeys[k] || strings.HasPrefix(k, "_")
}

// derive copies the plain values of running into a fresh map. Functions,
// channels, pointers and anything containing them are dropped, and
// containers are deep-copied so a step cannot mutate another step's view.
func derive(running map[string]any) map[string]any {
	out := make(map[string]any, len(running))
	for k, v := range running {
		if c, ok := clonePlain(v); ok {
			out[k] = c
		}
	}
	return out
}

// merge copies every non-metadata key of output into running.
func merge(running, output map[string]any) {
	for k, v := range output {
		if isMetadataKey(k) {
			continue
		}
		running[k] = v
	}
}

func clonePlain(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	rv, ok := cloneValue(reflect.ValueOf(v))
	if !ok {
		return nil, false
	}
	return rv.Interface(), true
}

func cloneValue(v reflect.Value) (reflect.Value, bool) {
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, true

	case reflect.Interface:
		if v.IsNil() {
			return v, true
		}
		inner, ok := cloneValue(v.Elem())
		if !ok {
			return reflect.Value{}, false
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, true

	case reflect.Slice:
		if v.IsNil() {
			return v, true
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, ok := cloneValue(v.Index(i))
			if !ok {
				return reflect.Value{}, false
			}
			out.Index(i).Set(elem)
		}
		return out, true

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, ok := cloneValue(v.Index(i))
			if !ok {
				return reflect.Value{}, false
			}
			out.Index(i).Set(elem)
		}
		return out, true

	case reflect.Map:
		if v.IsNil() {
			return v, true
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, ok := cloneValue(iter.Key())
			if !ok {
				return reflect.Value{}, false
			}
			val, ok := cloneValue(iter.Value())
			if !ok {
				return reflect.Value{}, false
			}
			out.SetMapIndex(key, val)
		}
		return out, true

	case reflect.Struct:
		if v.Type() == timeType {
			return v, true
		}
		// Structs are copied by value; one with unexported or non-plain
		// fields is not plain.
		t := v.Type()
		out := reflect.New(t).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				return reflect.Value{}, false
			}
			f, ok := cloneValue(v.Field(i))
			if !ok {
				return reflect.Value{}, false
			}
			out.Field(i).Set(f)
		}
		return out, true
	}
	return reflect.Value{}, false
}
