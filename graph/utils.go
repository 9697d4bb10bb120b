//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"reflect"
	"time"
)

// deepCopier lets a value provide its own deep-copy implementation, which
// wins over the reflection-based copy. Useful for types with unexported
// fields that must survive copying.
type deepCopier interface {
	DeepCopy() any
}

var timeType = reflect.TypeOf(time.Time{})

// deepCopyAny performs a deep copy of common JSON-serializable Go types to
// avoid sharing mutable references (maps/slices) across goroutines.
func deepCopyAny(value any) any {
	if copier, ok := value.(deepCopier); ok {
		return copier.DeepCopy()
	}
	visited := make(map[uintptr]any)
	if out, ok := deepCopyFastPath(value); ok {
		return out
	}
	return deepCopyReflect(reflect.ValueOf(value), visited)
}

// deepCopyFastPath handles common JSON-friendly types without reflection.
func deepCopyFastPath(value any) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = deepCopyAny(vv)
		}
		return copied, true
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = deepCopyAny(v[i])
		}
		return copied, true
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied, true
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied, true
	case []float64:
		copied := make([]float64, len(v))
		copy(copied, v)
		return copied, true
	case time.Time:
		return v, true
	}
	return nil, false
}

// deepCopyReflect performs a deep copy using reflection with cycle detection.
func deepCopyReflect(rv reflect.Value, visited map[uintptr]any) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.CanInterface() {
		if copier, ok := rv.Interface().(deepCopier); ok {
			return copier.DeepCopy()
		}
	}
	switch rv.Kind() {
	case reflect.Interface:
		return copyInterface(rv, visited)
	case reflect.Ptr:
		return copyPointer(rv, visited)
	case reflect.Map:
		return copyMap(rv, visited)
	case reflect.Slice:
		return copySlice(rv, visited)
	case reflect.Array:
		return copyArray(rv, visited)
	case reflect.Struct:
		if isTimeType(rv.Type()) {
			return copyTime(rv)
		}
		return copyStruct(rv, visited)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Zero(rv.Type()).Interface()
	default:
		return rv.Interface()
	}
}

// isTimeType reports whether t is time.Time or a struct type convertible to
// it. Such values are copied wholesale: their unexported fields carry the
// actual instant and the generic struct copy would zero them.
func isTimeType(t reflect.Type) bool {
	return t == timeType || (t.Kind() == reflect.Struct && t.ConvertibleTo(timeType))
}

// copyTime copies time-like values by sharing them. time.Time values are
// immutable, so sharing is safe and preserves the monotonic clock reading.
func copyTime(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func copyInterface(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return nil
	}
	return deepCopyReflect(rv.Elem(), visited)
}

func copyPointer(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return nil
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Struct && isTimeType(elem.Type()) {
		newPtr := reflect.New(elem.Type())
		newPtr.Elem().Set(elem)
		return newPtr.Interface()
	}
	newPtr := reflect.New(elem.Type())
	visited[ptr] = newPtr.Interface()
	copied := deepCopyReflect(elem, visited)
	if copied != nil {
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(elem.Type()) {
			newPtr.Elem().Set(cv)
		} else if cv.Type().ConvertibleTo(elem.Type()) {
			newPtr.Elem().Set(cv.Convert(elem.Type()))
		}
	}
	return newPtr.Interface()
}

func copyMap(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	newMap := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	visited[ptr] = newMap.Interface()
	for _, mk := range rv.MapKeys() {
		mv := rv.MapIndex(mk)
		newMap.SetMapIndex(mk, copiedValueFor(mv, visited))
	}
	return newMap.Interface()
}

func copySlice(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	l := rv.Len()
	newSlice := reflect.MakeSlice(rv.Type(), l, l)
	visited[ptr] = newSlice.Interface()
	for i := 0; i < l; i++ {
		newSlice.Index(i).Set(copiedValueFor(rv.Index(i), visited))
	}
	return newSlice.Interface()
}

func copyArray(rv reflect.Value, visited map[uintptr]any) any {
	l := rv.Len()
	newArr := reflect.New(rv.Type()).Elem()
	for i := 0; i < l; i++ {
		newArr.Index(i).Set(copiedValueFor(rv.Index(i), visited))
	}
	return newArr.Interface()
}

func copyStruct(rv reflect.Value, visited map[uintptr]any) any {
	newStruct := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.NumField(); i++ {
		ft := rv.Type().Field(i)
		if ft.PkgPath != "" {
			continue
		}
		dstField := newStruct.Field(i)
		if !dstField.CanSet() {
			continue
		}
		srcField := rv.Field(i)
		copied := deepCopyReflect(srcField, visited)
		if copied == nil {
			dstField.Set(reflect.Zero(dstField.Type()))
			continue
		}
		srcVal := reflect.ValueOf(copied)
		if srcVal.Type().AssignableTo(dstField.Type()) {
			dstField.Set(srcVal)
		} else if srcVal.Type().ConvertibleTo(dstField.Type()) {
			dstField.Set(srcVal.Convert(dstField.Type()))
		} else {
			dstField.Set(reflect.Zero(dstField.Type()))
		}
	}
	return newStruct.Interface()
}

// copiedValueFor copies an element value for insertion into a container of
// the same element type, keeping the destination type when the copy came
// back as a different but convertible type.
func copiedValueFor(rv reflect.Value, visited map[uintptr]any) reflect.Value {
	copied := deepCopyReflect(rv, visited)
	if copied == nil {
		return reflect.Zero(rv.Type())
	}
	cv := reflect.ValueOf(copied)
	if cv.Type().AssignableTo(rv.Type()) {
		return cv
	}
	if cv.Type().ConvertibleTo(rv.Type()) {
		return cv.Convert(rv.Type())
	}
	return reflect.Zero(rv.Type())
}
