// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package devbadger implements bcache.Device over an embedded badger
// key-value store, standing in for a raw block device (spec §4.L,
// §4.N RAMBlockDevice).
package devbadger

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

// Device stores blocks under an "id:offset" key, one badger instance
// per simulated disk.
type Device struct {
	logger logr.Logger
	db     *badger.DB
	id     string
}

// OpenInMemory returns a Device backed by an in-memory badger store,
// identified by id in the key space (so multiple Devices may share one
// underlying *badger.DB if desired via Open).
func OpenInMemory(logger logr.Logger, id string) (*Device, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("devbadger: open: %w", err)
	}
	return Open(logger, db, id), nil
}

// Open wraps an already-open badger DB, scoping all reads/writes to id.
func Open(logger logr.Logger, db *badger.DB, id string) *Device {
	return &Device{logger: logger.WithName("devbadger"), db: db, id: id}
}

func (d *Device) key(off uint64) []byte {
	return []byte(fmt.Sprintf("%s:%016x", d.id, off))
}

// ReadBlock satisfies bcache.Device. A missing key reads as a
// zero-filled block, matching a sparsely-written raw disk.
func (d *Device) ReadBlock(off uint64, buf []byte) error {
	return d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.key(off))
		if err == badger.ErrKeyNotFound {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("devbadger: read at %#x: %w", off, err)
		}
		return item.Value(func(val []byte) error {
			n := copy(buf, val)
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			return nil
		})
	})
}

// WriteBlock satisfies bcache.Device.
func (d *Device) WriteBlock(off uint64, buf []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.key(off), buf)
	})
	if err != nil {
		return fmt.Errorf("devbadger: write at %#x: %w", off, err)
	}
	return nil
}

// Close releases the underlying badger store.
func (d *Device) Close() error {
	return d.db.Close()
}
