// Package envconst provides process-wide tunables that are read from the
// environment once and cached afterwards.
//
// Malformed values panic: a tunable that cannot be parsed is a deployment
// error that must not go unnoticed.
package envconst

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"sync"
	"time"
)

var cache sync.Map

func lookup[T any](varname string, def T, parse func(string) (T, error)) T {
	if v, ok := cache.Load(varname); ok {
		return v.(T)
	}
	e := os.Getenv(varname)
	if e == "" {
		return def
	}
	v, err := parse(e)
	if err != nil {
		panic(fmt.Sprintf("cannot parse %s=%q: %s", varname, e, err))
	}
	cache.Store(varname, v)
	return v
}

func Duration(varname string, def time.Duration) time.Duration {
	return lookup(varname, def, time.ParseDuration)
}

func Int(varname string, def int) int {
	return lookup(varname, def, func(s string) (int, error) {
		i, err := strconv.ParseInt(s, 10, strconv.IntSize)
		return int(i), err
	})
}

func Int64(varname string, def int64) int64 {
	return lookup(varname, def, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func Uint32(varname string, def uint32) uint32 {
	return lookup(varname, def, func(s string) (uint32, error) {
		u, err := strconv.ParseUint(s, 10, 32)
		return uint32(u), err
	})
}

func Bool(varname string, def bool) bool {
	return lookup(varname, def, strconv.ParseBool)
}

func String(varname string, def string) string {
	return lookup(varname, def, func(s string) (string, error) { return s, nil })
}

// Var instantiates a new value of def's type and Set()s it from the
// environment. def must be a pointer implementing flag.Value.
func Var(varname string, def flag.Value) interface{} {
	defType := reflect.TypeOf(def)
	if defType.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("envconst var must be a pointer, got %T", def))
	}
	return lookup(varname, interface{}(def), func(s string) (interface{}, error) {
		v := reflect.New(defType.Elem()).Interface()
		if err := v.(flag.Value).Set(s); err != nil {
			return nil, err
		}
		return v, nil
	})
}
