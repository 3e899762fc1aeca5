// Package env loads configuration structs from environment variables.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Validator is implemented by config structs that need validation after
// loading.
type Validator interface {
	Validate() error
}

// ErrInvalidValue is returned when an environment variable value cannot be
// parsed into its field.
type ErrInvalidValue struct {
	Field  string
	EnvVar string
	Value  string
	Err    error
}

func (e ErrInvalidValue) Error() string {
	return fmt.Sprintf("invalid value for %s=%q (field: %s): %v", e.EnvVar, e.Value, e.Field, e.Err)
}

func (e ErrInvalidValue) Unwrap() error {
	return e.Err
}

// ErrNotStructPointer is returned when Load is called with anything but a
// pointer to struct.
type ErrNotStructPointer struct {
	Type string
}

func (e ErrNotStructPointer) Error() string {
	return fmt.Sprintf("env.Load: argument must be a pointer to struct, got %s", e.Type)
}

// ErrUnsupportedType is returned when a tagged field has a type the loader
// cannot parse.
type ErrUnsupportedType struct {
	Kind string
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported type: %s", e.Kind)
}

// Load populates the struct pointed to by v from environment variables.
//
// Supported struct tags:
//   - env:"VAR_NAME"     maps the field to environment variable VAR_NAME
//   - default:"value"    used when the variable is unset
//
// Supported field types: string, int family, bool, and time.Duration
// (Go duration strings like "60s", "1m30s").
//
// Nested structs are loaded recursively. After loading, any struct that
// implements Validator is validated.
func Load(v any) error {
	ptrVal := reflect.ValueOf(v)
	if ptrVal.Kind() != reflect.Pointer || ptrVal.Elem().Kind() != reflect.Struct {
		return ErrNotStructPointer{Type: fmt.Sprintf("%T", v)}
	}

	if err := parseStruct(ptrVal.Elem()); err != nil {
		return err
	}

	if validator, ok := v.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func parseStruct(val reflect.Value) error {
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		structField := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		// Recurse into nested structs, skipping time.Time.
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := parseStruct(field); err != nil {
				return err
			}
			if field.CanAddr() {
				if validator, ok := field.Addr().Interface().(Validator); ok {
					if err := validator.Validate(); err != nil {
						return err
					}
				}
			}
			continue
		}

		envKey := structField.Tag.Get("env")
		if envKey == "" {
			continue
		}

		raw, exists := os.LookupEnv(envKey)
		if !exists {
			def, hasDefault := structField.Tag.Lookup("default")
			if !hasDefault {
				continue
			}
			raw = def
		}

		if err := setField(field, raw); err != nil {
			return ErrInvalidValue{
				Field:  structField.Name,
				EnvVar: envKey,
				Value:  raw,
				Err:    err,
			}
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
		return nil

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}

		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
		return nil

	default:
		return ErrUnsupportedType{Kind: field.Kind().String()}
	}
}
