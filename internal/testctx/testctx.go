// Package testctx provides a cancelable context bound to a test's
// lifetime, plus scratch-directory and background-goroutine helpers —
// adapted from the teacher's storj.io/common/testcontext package
// (renamed into this module, not vendored verbatim).
package testctx

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// Context is a context.Context scoped to one test, tracking temporary
// files/directories and background goroutines so Cleanup can tear
// everything down deterministically.
type Context struct {
	context.Context
	cancel func()

	t testing.TB

	mu   sync.Mutex
	dir  string
	errs []error

	wg sync.WaitGroup
}

// New returns a Context whose Cleanup is NOT automatically registered
// with t — callers defer ctx.Cleanup() explicitly, matching the
// teacher's convention of an explicit defer at each call site rather
// than an implicit t.Cleanup hook.
func New(t testing.TB) *Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{Context: ctx, cancel: cancel, t: t}
}

// Dir returns a fresh temporary directory under the test's scratch
// space, joining any given path elements onto it.
func (ctx *Context) Dir(elem ...string) string {
	ctx.t.Helper()
	ctx.mu.Lock()
	if ctx.dir == "" {
		ctx.dir = ctx.t.TempDir()
	}
	root := ctx.dir
	ctx.mu.Unlock()

	full := filepath.Join(append([]string{root}, elem...)...)
	if err := os.MkdirAll(full, 0o700); err != nil {
		ctx.t.Fatalf("testctx: mkdir %q: %v", full, err)
	}
	return full
}

// File returns a path to name inside the test's scratch directory;
// it does not create the file itself.
func (ctx *Context) File(elem ...string) string {
	ctx.t.Helper()
	if len(elem) == 0 {
		ctx.t.Fatal("testctx: File requires at least one path element")
	}
	dir := ctx.Dir(elem[:len(elem)-1]...)
	return filepath.Join(dir, elem[len(elem)-1])
}

// Go runs fn in a goroutine tracked by Cleanup, recording any error it
// returns.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.mu.Lock()
			ctx.errs = append(ctx.errs, err)
			ctx.mu.Unlock()
		}
	}()
}

// Check calls fn and fails the test immediately if it returns an
// error — meant for deferred cleanup calls whose errors would
// otherwise be silently dropped, e.g. `defer ctx.Check(server.Close)`.
func (ctx *Context) Check(fn func() error) {
	ctx.t.Helper()
	if err := fn(); err != nil {
		ctx.t.Errorf("testctx: cleanup error: %v", err)
	}
}

// Cleanup cancels the context, waits for every Go-tracked goroutine to
// finish, and fails the test if any of them reported an error.
func (ctx *Context) Cleanup() {
	ctx.t.Helper()
	ctx.cancel()
	ctx.wg.Wait()

	ctx.mu.Lock()
	errs := ctx.errs
	ctx.mu.Unlock()
	for _, err := range errs {
		ctx.t.Errorf("testctx: background goroutine error: %v", err)
	}
}
