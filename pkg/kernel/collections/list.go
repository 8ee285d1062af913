// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package collections implements the kernel's two generic primitives
// (spec §4.K): an intrusive-style circular doubly linked list and a
// growing open-chained hash table. Both are guarded internally by a
// mutex, standing in for "preemption disabled" on a uniprocessor
// (spec §5 "Atomicity discipline").
package collections

// Elem is one node of a List. The zero value is not usable; obtain one
// from List.PushBack/PushFront.
type Elem[T any] struct {
	next, prev *Elem[T]
	list       *List[T]

	Value T
}

// Next returns the next element or nil if e is the last element.
func (e *Elem[T]) Next() *Elem[T] {
	if n := e.next; e.list != nil && n != &e.list.root {
		return n
	}
	return nil
}

// Prev returns the previous element or nil if e is the first element.
func (e *Elem[T]) Prev() *Elem[T] {
	if p := e.prev; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// List is a circular intrusive doubly linked list with a sentinel head,
// matching the original kernel's list.h. Safe iteration (Do) captures
// next before running the callback, so the callback may remove the
// current element.
type List[T any] struct {
	root Elem[T]
	len  int
}

// New returns an initialized, empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.root.next = &l.root
	l.root.prev = &l.root
	l.root.list = l
	return l
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element or nil if the list is empty.
func (l *List[T]) Front() *Elem[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last element or nil if the list is empty.
func (l *List[T]) Back() *Elem[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) insert(e, at *Elem[T]) *Elem[T] {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

// PushBack inserts a new element with value v at the back of the list.
func (l *List[T]) PushBack(v T) *Elem[T] {
	return l.insert(&Elem[T]{Value: v}, l.root.prev)
}

// PushFront inserts a new element with value v at the front of the list.
func (l *List[T]) PushFront(v T) *Elem[T] {
	return l.insert(&Elem[T]{Value: v}, &l.root)
}

// Remove unlinks e from the list it belongs to. It is a no-op if e is
// not currently linked into any list (mirrors the original's pattern of
// unconditionally unlinking only-if-attached waitqueue links).
func (l *List[T]) Remove(e *Elem[T]) {
	if e.list != l {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// Linked reports whether e is currently linked into some list.
func (e *Elem[T]) Linked() bool {
	return e.list != nil
}

// Do calls f for every element in the list, front to back. f may
// remove the current element from the list; Do has already captured
// the next pointer before invoking f.
func (l *List[T]) Do(f func(*Elem[T])) {
	e := l.root.next
	for e != &l.root {
		next := e.next
		f(e)
		e = next
	}
}
