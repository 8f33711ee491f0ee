// Package reflector derives stable, fully qualified type names used to tag
// journal entries. Lookups are cached.
package reflector

import (
	"reflect"
	"sync"
)

var (
	mu    sync.RWMutex
	cache = make(map[reflect.Type]string)
)

// NameFor returns the qualified name ("pkg/path.TypeName") for type parameter T.
func NameFor[T any]() string {
	return NameForType(reflect.TypeFor[T]())
}

// NameOf returns the qualified name for the dynamic type of x.
func NameOf(x any) string {
	return NameForType(reflect.TypeOf(x))
}

// NameForType returns the qualified name for t. Pointer types are unwrapped
// so *T and T share one name. Safe for concurrent use.
func NameForType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	mu.RLock()
	name, ok := cache[t]
	mu.RUnlock()
	if ok {
		return name
	}

	name = t.PkgPath() + "." + t.Name()

	mu.Lock()
	cache[t] = name
	mu.Unlock()

	return name
}
