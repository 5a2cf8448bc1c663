package inbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/envelope"
)

// ErrClosed indicates the inbox database has been closed.
var ErrClosed = errors.New("inbox: closed")

// DefaultChannel is the queue used when the sender names none.
const DefaultChannel = "hyperborea"

// DefaultCapacity bounds each queue; the oldest entries are evicted first
// once it is exceeded. The inbox is a best-effort delivery buffer, not
// guaranteed storage.
const DefaultCapacity = 1000

// DefaultRetention is how long entries are kept before expiry.
const DefaultRetention = 24 * time.Hour

const queuesBucket = "queues"

// Entry is one stored envelope with its queue position.
type Entry struct {
	Sequence   uint64
	ReceivedAt time.Time
	Envelope   *envelope.SealedEnvelope
}

// Options configure an Inbox. Zero values fall back to the defaults.
type Options struct {
	// Capacity bounds entries per (recipient, channel) queue.
	Capacity int
	// Retention bounds entry age for ExpireOlderThan's default cutoff.
	Retention time.Duration
}

// Inbox is a durable, ordered store of sealed envelopes awaiting pickup,
// backed by a single bbolt database file.
//
// Sequence numbers are allocated by the database's serialized write
// transactions, so concurrent enqueues for one recipient always produce a
// contiguous increasing set; enqueues for different recipients never
// contend beyond the shared write lock.
type Inbox struct {
	db        *bolt.DB
	capacity  int
	retention time.Duration
}

// Open opens (creating if needed) the inbox database at path.
func Open(path string, opts Options) (*Inbox, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("inbox: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(queuesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inbox: initialize %s: %w", path, err)
	}

	return &Inbox{
		db:        db,
		capacity:  opts.Capacity,
		retention: opts.Retention,
	}, nil
}

// Close flushes and closes the database.
func (in *Inbox) Close() error {
	return in.db.Close()
}

// Retention returns the configured entry retention.
func (in *Inbox) Retention() time.Duration {
	return in.retention
}

// Enqueue durably appends an envelope to the recipient's queue and
// returns its assigned sequence number. Once Enqueue returns, the entry
// survives a process restart.
//
// A well-formed envelope is never rejected: if the queue is over
// capacity, the oldest entries are evicted and the eviction is reported
// as a warning event, not an error.
func (in *Inbox) Enqueue(recipient crypto.Address, channel string, env *envelope.SealedEnvelope) (uint64, error) {
	wire, err := env.MarshalWire()
	if err != nil {
		return 0, fmt.Errorf("inbox: encode envelope: %w", err)
	}

	value := make([]byte, 8+len(wire))
	binary.BigEndian.PutUint64(value[:8], uint64(time.Now().UnixNano()))
	copy(value[8:], wire)

	var seq uint64
	var evicted int

	err = in.db.Update(func(tx *bolt.Tx) error {
		queue, err := queueBucket(tx, recipient, channel, true)
		if err != nil {
			return err
		}

		seq, err = queue.NextSequence()
		if err != nil {
			return err
		}

		if err := queue.Put(sequenceKey(seq), value); err != nil {
			return err
		}

		evicted, err = trimOldest(queue, in.capacity)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: enqueue: %w", err)
	}

	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"recipient": recipient.String()[:16],
			"channel":   channel,
			"evicted":   evicted,
			"capacity":  in.capacity,
		}).Warn("Inbox over capacity, evicted oldest entries")
	}

	return seq, nil
}

// Peek returns up to max entries in ascending sequence order without
// removing them, plus the number of entries left beyond the returned
// ones. max <= 0 means no limit.
func (in *Inbox) Peek(recipient crypto.Address, channel string, max int) ([]Entry, int, error) {
	var entries []Entry
	remaining := 0

	err := in.db.View(func(tx *bolt.Tx) error {
		queue, err := queueBucket(tx, recipient, channel, false)
		if err != nil || queue == nil {
			return err
		}

		cursor := queue.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if max > 0 && len(entries) >= max {
				remaining++
				continue
			}

			entry, err := decodeEntry(key, value)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("inbox: peek: %w", err)
	}

	return entries, remaining, nil
}

// Pop removes every entry with a sequence number at or below upTo and
// returns how many were removed. Called after the application confirms
// processing.
func (in *Inbox) Pop(recipient crypto.Address, channel string, upTo uint64) (int, error) {
	removed := 0

	err := in.db.Update(func(tx *bolt.Tx) error {
		queue, err := queueBucket(tx, recipient, channel, false)
		if err != nil || queue == nil {
			return err
		}

		cursor := queue.Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			if binary.BigEndian.Uint64(key) > upTo {
				break
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: pop: %w", err)
	}

	return removed, nil
}

// ExpireOlderThan removes entries received before now minus retention
// from every queue. A non-positive retention uses the configured default.
func (in *Inbox) ExpireOlderThan(retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = in.retention
	}
	cutoff := time.Now().Add(-retention).UnixNano()
	expired := 0

	err := in.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(queuesBucket))

		return root.ForEachBucket(func(name []byte) error {
			queue := root.Bucket(name)
			cursor := queue.Cursor()

			for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
				if len(value) < 8 || int64(binary.BigEndian.Uint64(value[:8])) >= cutoff {
					// Entries are in arrival order; the first fresh entry
					// ends the scan for this queue.
					break
				}
				if err := cursor.Delete(); err != nil {
					return err
				}
				expired++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: expire: %w", err)
	}

	if expired > 0 {
		logrus.WithField("expired", expired).Debug("Expired inbox entries")
	}

	return expired, nil
}

// queueKey identifies one (recipient, channel) queue. The address part is
// fixed width, so the channel suffix cannot collide across recipients.
func queueKey(recipient crypto.Address, channel string) []byte {
	key := make([]byte, 0, crypto.AddressSize+1+len(channel))
	key = append(key, recipient[:]...)
	key = append(key, 0x00)
	key = append(key, channel...)
	return key
}

func queueBucket(tx *bolt.Tx, recipient crypto.Address, channel string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(queuesBucket))
	key := queueKey(recipient, channel)
	if create {
		return root.CreateBucketIfNotExists(key)
	}
	return root.Bucket(key), nil
}

func sequenceKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

func decodeEntry(key, value []byte) (Entry, error) {
	if len(value) < 8 {
		return Entry{}, errors.New("corrupt inbox entry")
	}

	env, err := envelope.UnmarshalWire(value[8:])
	if err != nil {
		return Entry{}, fmt.Errorf("corrupt inbox entry: %w", err)
	}

	return Entry{
		Sequence:   binary.BigEndian.Uint64(key),
		ReceivedAt: time.Unix(0, int64(binary.BigEndian.Uint64(value[:8]))),
		Envelope:   env,
	}, nil
}

// trimOldest deletes entries oldest-first until the queue holds at most
// capacity entries.
func trimOldest(queue *bolt.Bucket, capacity int) (int, error) {
	count := 0
	cursor := queue.Cursor()
	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		count++
	}

	evicted := 0
	for key, _ := cursor.First(); key != nil && count-evicted > capacity; key, _ = cursor.Next() {
		if err := cursor.Delete(); err != nil {
			return evicted, err
		}
		evicted++
	}

	return evicted, nil
}
