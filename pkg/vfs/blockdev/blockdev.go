// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blockdev stands in for a real block device driver: an
// embedded Badger instance keyed by logical block address, giving
// diskfs a persisted bmap-style store instead of a hand-rolled map.
package blockdev

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kcore-project/kcore/pkg/errors"
)

const BlockSize = 4096

// Device is one block device backed by Badger: LBA (8-byte big-endian
// key) -> BlockSize-byte page.
type Device struct {
	db *badger.DB
}

// Open creates a block device. path=="" runs Badger fully in memory;
// a non-empty path
// persists across process restarts, for exercising diskfs without
// implementing a real on-disk format.
func Open(path string) (*Device, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open: %w", err)
	}
	return &Device{db: db}, nil
}

func (d *Device) Close() error { return d.db.Close() }

func lbaKey(lba int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(lba))
	return k[:]
}

// ReadBlock fetches the page at lba, returning a zeroed page (not an
// error) for a never-written block, matching a real device's behavior
// over unwritten-but-allocated sectors.
func (d *Device) ReadBlock(lba int64) ([]byte, error) {
	page := make([]byte, BlockSize)
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lbaKey(lba))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			copy(page, val)
			return nil
		})
	})
	if err != nil {
		return nil, errors.EIO
	}
	return page, nil
}

func (d *Device) WriteBlock(lba int64, page []byte) error {
	if len(page) != BlockSize {
		return errors.EINVAL
	}
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lbaKey(lba), page)
	})
	if err != nil {
		return errors.EIO
	}
	return nil
}

func (d *Device) FreeBlock(lba int64) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(lbaKey(lba))
	})
	if err != nil {
		return errors.EIO
	}
	return nil
}
