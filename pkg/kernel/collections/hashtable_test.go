// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package collections_test

import (
	"fmt"
	"testing"

	"github.com/chaffkernel/chaff/pkg/kernel/collections"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTableInsertFindRemove(t *testing.T) {
	ht := collections.NewHashTable[int]()

	assert.True(t, ht.Insert([]byte("a"), 1))
	assert.True(t, ht.Insert([]byte("b"), 2))
	assert.False(t, ht.Insert([]byte("a"), 99), "duplicate key must be rejected")

	v, ok := ht.Find([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = ht.Find([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = ht.Find([]byte("missing"))
	assert.False(t, ok)

	assert.True(t, ht.Remove([]byte("a")))
	assert.False(t, ht.Remove([]byte("a")))
	_, ok = ht.Find([]byte("a"))
	assert.False(t, ok)

	assert.Equal(t, 1, ht.Count())
}

func TestHashTableGrowsAndShrinks(t *testing.T) {
	ht := collections.NewHashTable[int]()

	// Insert enough items to cross the 7/8 load threshold several times
	// over (initial size 256).
	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		require.True(t, ht.Insert(key, i))
	}
	assert.Equal(t, n, ht.Count())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		v, ok := ht.Find(key)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	for i := 0; i < n-1; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		require.True(t, ht.Remove(key))
	}
	assert.Equal(t, 1, ht.Count())
	_, ok := ht.Find([]byte(fmt.Sprintf("key-%d", n-1)))
	assert.True(t, ok)
}

func TestFNV1aKnownVector(t *testing.T) {
	// FNV-1a 32-bit of the empty string is the offset basis.
	assert.Equal(t, uint32(2166136261), collections.FNV1a(nil))
	// Known test vector for "a".
	assert.Equal(t, uint32(0xe40c292c), collections.FNV1a([]byte("a")))
}
