// Package secrets hydrates vault:// references found in a loaded
// configuration before the rest of the process sees it.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Resolver defines the minimal capability required to hydrate secret references.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

const refPrefix = "vault://"

// ReplacePlaceholders walks the config struct and resolves every string
// field carrying a vault:// reference in place. The config is plain nested
// structs of scalars, so only structs, pointers and strings are visited.
func ReplacePlaceholders(ctx context.Context, target interface{}, resolver Resolver) error {
	if target == nil || resolver == nil {
		return nil
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return errors.New("target must be a non-nil pointer")
	}
	return walkValue(ctx, val.Elem(), resolver)
}

func walkValue(ctx context.Context, val reflect.Value, resolver Resolver) error {
	switch val.Kind() {
	case reflect.String:
		if !val.CanSet() {
			return nil
		}
		ref := strings.TrimSpace(val.String())
		if !strings.HasPrefix(ref, refPrefix) {
			return nil
		}
		resolved, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", ref, err)
		}
		val.SetString(resolved)
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			if err := walkValue(ctx, val.Field(i), resolver); err != nil {
				return err
			}
		}
	case reflect.Pointer:
		if !val.IsNil() {
			return walkValue(ctx, val.Elem(), resolver)
		}
	}
	return nil
}
