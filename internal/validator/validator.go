package validator

import (
	"fmt"
	"reflect"
)

// Validate checks that every constructor dependency is usable: non-nil
// for pointer-like kinds, non-zero for everything else (an empty
// connection string is as much a wiring bug as a nil client).
func Validate(name string, deps ...any) error {
	for _, dep := range deps {
		if dep == nil {
			return fmt.Errorf("missing required deps for component: %s", name)
		}

		v := reflect.ValueOf(dep)
		switch v.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice:
			if v.IsNil() {
				return fmt.Errorf("missing required deps for component: %s", name)
			}
		default:
			if v.IsZero() {
				return fmt.Errorf("missing required deps for component: %s", name)
			}
		}
	}

	return nil
}
