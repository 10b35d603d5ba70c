package config

import (
	"reflect"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// flatten walks a config struct and records every leaf under its dotted mapstructure key.
func flatten(prefix string, v any, out map[string]any) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			name = strings.ToUpper(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			flatten(key, fv.Interface(), out)
			continue
		}
		out[strings.ToLower(key)] = fv.Interface()
	}
}
