// Package upcell provides interior mutability for state owned by a single hart.
//
// A Cell is not a lock. It exists so that accidental aliasing (a nested
// borrow, or a borrow kept alive across a context switch) is caught at the
// point of misuse instead of silently corrupting scheduler state. It is only
// valid while exactly one hart executes kernel code and kernel code never
// re-enters itself; a multi-hart kernel must replace it with a real mutex.
package upcell

import (
	"fmt"
	"sync/atomic"
)

// BorrowError is the panic value raised on borrow discipline violations.
type BorrowError struct {
	Cell string
	Op   string
}

func (e *BorrowError) Error() string {
	return fmt.Sprintf("upcell %s: %s", e.Cell, e.Op)
}

// Cell wraps a value that is mutated through checked exclusive borrows.
type Cell[T any] struct {
	name     string
	borrowed atomic.Bool
	value    T
}

// UnsafeNew wraps value. The caller attests that the cell is only touched
// from one hart and that no borrow is ever held across a context switch.
// The returned cell must not be copied.
func UnsafeNew[T any](name string, value T) *Cell[T] {
	return &Cell[T]{name: name, value: value}
}

// Borrow takes the exclusive borrow. It panics with *BorrowError if a borrow
// is already outstanding.
func (c *Cell[T]) Borrow() *RefMut[T] {
	if !c.borrowed.CompareAndSwap(false, true) {
		panic(&BorrowError{Cell: c.name, Op: "already mutably borrowed"})
	}
	return &RefMut[T]{cell: c}
}

// With runs fn with the exclusive borrow held and releases it afterwards,
// also when fn panics.
func (c *Cell[T]) With(fn func(v *T)) {
	ref := c.Borrow()
	defer ref.Release()
	fn(ref.Get())
}

// Borrowed reports whether a borrow is outstanding.
func (c *Cell[T]) Borrowed() bool {
	return c.borrowed.Load()
}

// RefMut is an outstanding exclusive borrow of a Cell.
type RefMut[T any] struct {
	cell     *Cell[T]
	released bool
}

// Get returns the borrowed value. The pointer must not be used after Release.
func (r *RefMut[T]) Get() *T {
	if r.released {
		panic(&BorrowError{Cell: r.cell.name, Op: "use after release"})
	}
	return &r.cell.value
}

// Release ends the borrow. Releasing twice panics.
func (r *RefMut[T]) Release() {
	if r.released {
		panic(&BorrowError{Cell: r.cell.name, Op: "released twice"})
	}
	r.released = true
	r.cell.borrowed.Store(false)
}
