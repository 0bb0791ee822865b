package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/golobby/cast"
)

// errNotStructPointer indicates feedEnv was handed something it cannot fill.
var errNotStructPointer = errors.New("env: target must be a struct pointer")

// feedEnv fills structure fields from environment variables. Struct-typed
// fields with an env tag extend the variable prefix; leaf fields with an env
// tag read PREFIX_TAG. Fields without an env tag are skipped.
func feedEnv(structure any, prefix string) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return errNotStructPointer
	}
	return feedStructFields(rv.Elem(), prefix)
}

func feedStructFields(rv reflect.Value, prefix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !field.CanSet() {
			continue
		}

		tag := fieldType.Tag.Get("env")
		if field.Kind() == reflect.Struct {
			nested := prefix
			if tag != "" {
				nested = prefix + "_" + tag
			}
			if err := feedStructFields(field, nested); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
			continue
		}
		if tag == "" {
			continue
		}

		value := os.Getenv(prefix + "_" + tag)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s_%s: %w", prefix, tag, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	// Durations are int64 underneath; parse them as durations, not counts.
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %v: %w", value, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
