package badger

import (
	"github.com/dgraph-io/badger/v4"
)

func ReadTx(db *badger.DB, fn func(txn *badger.Txn) error) error {
	return db.View(fn)
}

func WriteTx(db *badger.DB, fn func(txn *badger.Txn) error) error {
	return db.Update(fn)
}

// Iterate walks keys with the given prefix in order, invoking fn with each
// key/value pair.
func Iterate(db *badger.DB, prefix []byte, fn func(key, value []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.KeyCopy(nil), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
