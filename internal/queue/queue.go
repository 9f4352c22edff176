package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/paneldns/paneldns/internal/metrics"
)

// Queues bundles the three durable FIFO queues on a single badger DB.
type Queues struct {
	db      *badger.DB
	Save    *Queue
	Delete  *Queue
	Retry   *Queue
	metrics *metrics.Metrics
}

// Open initializes the badger-backed queues at path. Writes are synced so a
// committed enqueue survives a crash.
func Open(path string, m *metrics.Metrics) (*Queues, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable badger's internal logger
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	qs := &Queues{db: db, metrics: m}
	for _, def := range []struct {
		name string
		dst  **Queue
	}{
		{"save", &qs.Save},
		{"delete", &qs.Delete},
		{"retry", &qs.Retry},
	} {
		q, err := newQueue(db, def.name, m)
		if err != nil {
			db.Close()
			return nil, err
		}
		*def.dst = q
	}
	return qs, nil
}

func (qs *Queues) Close() error {
	qs.Save.release()
	qs.Delete.release()
	qs.Retry.release()
	return qs.db.Close()
}

// Queue is a single-consumer durable FIFO. Items are keyed by a persistent
// monotonic sequence so iteration order is arrival order. A dequeued item
// stays in the queue until its Ack fires; a crash between dequeue and ack
// re-delivers the item on restart.
type Queue struct {
	db      *badger.DB
	name    string
	prefix  []byte
	seq     *badger.Sequence
	notify  chan struct{}
	metrics *metrics.Metrics
}

func newQueue(db *badger.DB, name string, m *metrics.Metrics) (*Queue, error) {
	seq, err := db.GetSequence([]byte("seq:"+name), 128)
	if err != nil {
		return nil, fmt.Errorf("open sequence for queue %s: %w", name, err)
	}
	return &Queue{
		db:      db,
		name:    name,
		prefix:  []byte("q:" + name + ":"),
		seq:     seq,
		notify:  make(chan struct{}, 1),
		metrics: m,
	}, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) release() {
	if q.seq != nil {
		q.seq.Release()
	}
}

// Enqueue marshals v and commits it. Returns only after the write is durable.
func (q *Queue) Enqueue(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", q.name, err)
	}

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence for %s: %w", q.name, err)
	}
	key := q.key(n)

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, body)
	})
	if err != nil {
		q.metrics.IncQueueOp(q.name, "enqueue_failed")
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	q.metrics.IncQueueOp(q.name, "enqueue")

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Message is one dequeued item. Ack deletes it; call only after the
// post-consumption side effect has itself been durably committed.
type Message struct {
	Body []byte
	key  []byte
	q    *Queue
}

func (m *Message) Ack() error {
	err := m.q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(m.key)
	})
	if err != nil {
		return fmt.Errorf("ack %s item: %w", m.q.name, err)
	}
	m.q.metrics.IncQueueOp(m.q.name, "dequeue")
	return nil
}

func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		msg, err := q.TryDequeue()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(time.Second):
			// Safety poll: covers items left over from a previous run and
			// notifications lost to the buffered channel.
		}
	}
}

// TryDequeue returns the head of the queue or nil when empty.
func (q *Queue) TryDequeue() (*Message, error) {
	var msg *Message
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = q.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(q.prefix)
		if !it.ValidForPrefix(q.prefix) {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		body, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg = &Message{Body: body, key: key, q: q}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
	}
	return msg, nil
}

// Pending returns every item currently in the queue without removing any.
// The retry drainer walks the snapshot and acks each message only after its
// outcome (re-enqueue, dispatch, dead-letter) is durable.
func (q *Queue) Pending() ([]*Message, error) {
	var msgs []*Message
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = q.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(q.prefix); it.ValidForPrefix(q.prefix); it.Next() {
			item := it.Item()
			body, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			msgs = append(msgs, &Message{Body: body, key: item.KeyCopy(nil), q: q})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", q.name, err)
	}
	return msgs, nil
}

// Len counts the items currently in the queue.
func (q *Queue) Len() int {
	count := 0
	q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = q.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(q.prefix); it.ValidForPrefix(q.prefix); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (q *Queue) key(n uint64) []byte {
	key := make([]byte, len(q.prefix)+8)
	copy(key, q.prefix)
	binary.BigEndian.PutUint64(key[len(q.prefix):], n)
	return key
}
