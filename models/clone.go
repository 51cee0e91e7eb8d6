package models

import "reflect"

// CloneDetails deep copies a free-form details map. Nested maps and slices
// are copied too; nil and empty containers keep their identity so the JSON
// form of the copy matches the original.
func CloneDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(details)).Interface().(map[string]interface{})
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	}
	return v
}
