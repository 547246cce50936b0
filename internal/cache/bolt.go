package cache

import (
	bolt "go.etcd.io/bbolt"
)

// Bolt persists cached content in a bbolt file so it survives restarts.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(bucket string, k Key) ([]byte, bool, error) {
	var v []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		if got := bkt.Get(k[:]); got != nil {
			// only valid inside the transaction
			v = append([]byte{}, got...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func (b *Bolt) Put(bucket string, k Key, v []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put(k[:], v)
	})
}

func (b *Bolt) Close() error { return b.db.Close() }
