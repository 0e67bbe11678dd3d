//go:build debug

// Package debug implements invariant checks compiled in only under the
// "debug" build tag, so release builds pay nothing for them. This file is
// the enabled side.
package debug

import "fmt"

func Assert(cond bool, msg ...interface{}) {
	if !cond {
		panic(fmt.Sprintln(append([]interface{}{"assertion failed:"}, msg...)...))
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
