// Package klog is the kernel's console writer.
//
// Grounded on biscuit's direct-to-console fmt.Printf idiom (no
// structured logging library appears anywhere in the retrieval pack):
// terse, level-free lines written straight to an io.Writer.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects console output; used by tests to capture it.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

func Println(args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(out, args...)
}
