// Package storage implements the storage bridge: durable persistence of
// applied deltas and derived state, built on the keyed datastore interface
// external collaborators provide (§6).
package storage

import (
	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/storage/badger"
)

// BadgerDatastore adapts badger.Manager to ports.Datastore.
type BadgerDatastore struct {
	mgr *badger.Manager
}

// NewBadgerDatastore wraps mgr as a ports.Datastore.
func NewBadgerDatastore(mgr *badger.Manager) *BadgerDatastore {
	return &BadgerDatastore{mgr: mgr}
}

var _ ports.Datastore = (*BadgerDatastore)(nil)

func (d *BadgerDatastore) Put(key, value []byte) error {
	return badger.WriteTx(d.mgr.DB(), func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	})
}

func (d *BadgerDatastore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := badger.ReadTx(d.mgr.DB(), func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if badger.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, badger.WrapError(err)
	}
	return value, true, nil
}

func (d *BadgerDatastore) Delete(key []byte) error {
	return badger.WriteTx(d.mgr.DB(), func(txn *badgerdb.Txn) error {
		return txn.Delete(key)
	})
}

func (d *BadgerDatastore) Range(prefix []byte, fn func(key, value []byte) error) error {
	return badger.Iterate(d.mgr.DB(), prefix, fn)
}
