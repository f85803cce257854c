// Package feed fans document changes out to changefeed cursors.
package feed

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// ErrOverflow ends a cursor whose consumer fell too far behind.
var ErrOverflow = errors.New("changefeed fell behind")

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("changefeed closed")

// Filter maps a change to what a cursor emits. ok is false when the change
// is of no interest to the cursor.
type Filter func(c domain.Change) (out domain.Change, ok bool)

// RangeFilter keeps changes whose old or new document falls within one of
// the ranges. A side outside every range is reported as nil.
func RangeFilter(ranges []db.Range, fieldsOf func(index string) []string) Filter {
	inRange := func(doc domain.Document) bool {
		if doc == nil {
			return false
		}
		id, _ := doc.ID()
		for _, r := range ranges {
			var key []any
			if r.Index == db.PrimaryIndex {
				key = db.IndexKey(doc, nil, id)
			} else {
				key = db.IndexKey(doc, fieldsOf(r.Index), id)
			}
			if r.Contains(key) {
				return true
			}
		}
		return false
	}
	return func(c domain.Change) (domain.Change, bool) {
		out := domain.Change{}
		if inRange(c.OldVal) {
			out.OldVal = c.OldVal
		}
		if inRange(c.NewVal) {
			out.NewVal = c.NewVal
		}
		return out, out.OldVal != nil || out.NewVal != nil
	}
}

// Cursor is a db.Cursor over a stream of changes.
type Cursor struct {
	filter Filter
	ch     chan domain.Change
	stop   func()

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

// NewCursor creates a cursor buffering up to size changes. stop is called
// once when the cursor ends.
func NewCursor(filter Filter, size int, stop func()) *Cursor {
	if stop == nil {
		stop = func() {}
	}
	return &Cursor{
		filter: filter,
		ch:     make(chan domain.Change, size),
		stop:   stop,
		done:   make(chan struct{}),
	}
}

// Send offers a change without blocking. A full buffer fails the cursor.
func (c *Cursor) Send(change domain.Change) {
	if c.filter != nil {
		var ok bool
		if change, ok = c.filter(change); !ok {
			return
		}
	}
	select {
	case <-c.done:
	case c.ch <- change:
	default:
		c.Fail(ErrOverflow)
	}
}

// Fail ends the cursor with err once buffered changes are drained. A nil
// err ends it with io.EOF.
func (c *Cursor) Fail(err error) {
	if err == nil {
		err = io.EOF
	}
	c.finish(err)
}

// Next returns the next change, blocking until one arrives.
func (c *Cursor) Next(ctx context.Context) (any, error) {
	select {
	case change := <-c.ch:
		return change, nil
	default:
	}
	select {
	case change := <-c.ch:
		return change, nil
	case <-c.done:
		select {
		case change := <-c.ch:
			return change, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the cursor and unblocks Next.
func (c *Cursor) Close() error {
	c.finish(ErrClosed)
	return nil
}

func (c *Cursor) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	c.mu.Unlock()
	c.stop()
}

// Broker fans changes out to the cursors subscribed to a table.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Cursor]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[*Cursor]struct{})}
}

// Subscribe opens a cursor on table. The cursor unsubscribes itself when it ends.
func (b *Broker) Subscribe(table string, filter Filter, size int) *Cursor {
	var c *Cursor
	c = NewCursor(filter, size, func() { b.unsubscribe(table, c) })
	b.mu.Lock()
	if b.topics[table] == nil {
		b.topics[table] = make(map[*Cursor]struct{})
	}
	b.topics[table][c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Broker) unsubscribe(table string, c *Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[table]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.topics, table)
		}
	}
}

// Publish delivers change to every cursor of table in publish order.
func (b *Broker) Publish(table string, change domain.Change) {
	for _, c := range b.subscribers(table) {
		c.Send(change)
	}
}

// Drop ends every cursor of table with err.
func (b *Broker) Drop(table string, err error) {
	for _, c := range b.subscribers(table) {
		c.Fail(err)
	}
}

// CloseAll ends every cursor.
func (b *Broker) CloseAll(err error) {
	b.mu.RLock()
	var all []*Cursor
	for _, subs := range b.topics {
		for c := range subs {
			all = append(all, c)
		}
	}
	b.mu.RUnlock()
	for _, c := range all {
		c.Fail(err)
	}
}

// SubscriberCount returns the number of open cursors on table.
func (b *Broker) SubscriberCount(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[table])
}

func (b *Broker) subscribers(table string) []*Cursor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.topics[table]
	out := make([]*Cursor, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}
