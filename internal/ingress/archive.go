// SPDX-License-Identifier: MIT

package ingress

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/lodgewerk/staysync/internal/log"
)

// ArchiveTTL is how long raw webhook payloads stay retrievable for
// debugging and replay.
const ArchiveTTL = 24 * time.Hour

// Archive keeps the raw bytes of every accepted webhook, keyed
// {channel}:{message_id}, so a disputed import can be replayed against
// the payload the platform actually sent.
type Archive struct {
	db *badger.DB
}

// OpenArchive opens (or creates) the archive at dir.
func OpenArchive(dir string) (*Archive, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open webhook archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// OpenArchiveInMemory backs the archive with memory only, for tests.
func OpenArchiveInMemory() (*Archive, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open webhook archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Put stores one payload under {channel}:{messageID} with the archive TTL.
func (a *Archive) Put(channel, messageID string, body []byte) error {
	key := []byte(channel + ":" + messageID)
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, body).WithTTL(ArchiveTTL))
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// Get returns an archived payload, or nil when it expired or never was.
func (a *Archive) Get(channel, messageID string) ([]byte, error) {
	var out []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(channel + ":" + messageID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive read: %w", err)
	}
	return out, nil
}

// RunGC reclaims value-log space from expired payloads. Run periodically.
func (a *Archive) RunGC() {
	logger := log.WithComponent("ingress")
	for {
		if err := a.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logger.Debug().Err(err).Msg("archive gc stopped")
			}
			return
		}
	}
}

// Close flushes and closes the archive.
func (a *Archive) Close() error { return a.db.Close() }
