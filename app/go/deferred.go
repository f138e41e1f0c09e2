package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const deferredFlushInterval = 500 * time.Millisecond
const deferredChunkSize = 500

// commitBus fans a forced-flush signal out to every deferred writer;
// initialize subscribes nothing itself, it just calls Broadcast and
// waits for each writer's flush to return.
type commitBus struct {
	subs []chan struct{}
}

func newCommitBus() *commitBus { return &commitBus{} }

func (b *commitBus) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *commitBus) broadcast() {
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// InsertOnlyDeferred batches fire-and-forget inserts for tables like
// chair_locations and payment_tokens: one queue, chunked multi-row
// INSERT every 500ms, on a forced commit signal, or as soon as a full
// chunk is pending.
type InsertOnlyDeferred[T any] struct {
	name     string
	db       *sqlx.DB
	exec     func(ctx context.Context, tx *sqlx.Tx, rows []T) error
	commitCh chan struct{}
	queueCh  chan T
}

func NewInsertOnlyDeferred[T any](name string, db *sqlx.DB, bus *commitBus, exec func(ctx context.Context, tx *sqlx.Tx, rows []T) error) *InsertOnlyDeferred[T] {
	d := &InsertOnlyDeferred[T]{
		name:     name,
		db:       db,
		exec:     exec,
		commitCh: bus.subscribe(),
		queueCh:  make(chan T, 4096),
	}
	go d.run()
	return d
}

func (d *InsertOnlyDeferred[T]) Insert(row T) {
	d.queueCh <- row
}

func (d *InsertOnlyDeferred[T]) run() {
	ticker := time.NewTicker(deferredFlushInterval)
	defer ticker.Stop()

	var pending []T
	drain := func() {
		for {
			select {
			case row := <-d.queueCh:
				pending = append(pending, row)
			default:
				return
			}
		}
	}

	for {
		select {
		case row := <-d.queueCh:
			pending = append(pending, row)
			if len(pending) >= deferredChunkSize {
				d.flushRows(pending)
				pending = nil
			}
		case <-ticker.C:
			drain()
			d.flushRows(pending)
			pending = nil
		case <-d.commitCh:
			drain()
			d.flushRows(pending)
			pending = nil
		}
	}
}

func (d *InsertOnlyDeferred[T]) flushRows(rows []T) {
	if len(rows) == 0 {
		return
	}
	ctx := context.Background()
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("deferred: begin tx failed", slog.String("table", d.name), slog.String("error", err.Error()))
		return
	}
	for start := 0; start < len(rows); start += deferredChunkSize {
		end := start + deferredChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := d.exec(ctx, tx, rows[start:end]); err != nil {
			slog.Error("deferred: insert chunk failed", slog.String("table", d.name), slog.String("error", err.Error()))
			_ = tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("deferred: commit failed", slog.String("table", d.name), slog.String("error", err.Error()))
	}
}

// UpdatableDeferred batches inserts plus updates for tables like
// coupons and ride_statuses. Updates whose target primary key is still
// sitting in the pending-insert map are coalesced into that insert row
// instead of becoming a separate UPDATE statement.
type UpdatableDeferred[T any, U any] struct {
	name        string
	db          *sqlx.DB
	insertCh    chan T
	updateCh    chan U
	commitCh    chan struct{}
	keyOfInsert func(T) string
	keyOfUpdate func(U) string
	applyTo     func(row *T, u U) // mutate a still-pending insert in place
	execIns     func(ctx context.Context, tx *sqlx.Tx, rows []T) error
	execUpd     func(ctx context.Context, tx *sqlx.Tx, u U) error
}

func NewUpdatableDeferred[T any, U any](
	name string,
	db *sqlx.DB,
	bus *commitBus,
	keyOfInsert func(T) string,
	keyOfUpdate func(U) string,
	applyTo func(row *T, u U),
	execIns func(ctx context.Context, tx *sqlx.Tx, rows []T) error,
	execUpd func(ctx context.Context, tx *sqlx.Tx, u U) error,
) *UpdatableDeferred[T, U] {
	d := &UpdatableDeferred[T, U]{
		name:        name,
		db:          db,
		insertCh:    make(chan T, 4096),
		updateCh:    make(chan U, 4096),
		commitCh:    bus.subscribe(),
		keyOfInsert: keyOfInsert,
		keyOfUpdate: keyOfUpdate,
		applyTo:     applyTo,
		execIns:     execIns,
		execUpd:     execUpd,
	}
	go d.run()
	return d
}

func (d *UpdatableDeferred[T, U]) Insert(row T) {
	d.insertCh <- row
}

func (d *UpdatableDeferred[T, U]) Update(u U) {
	d.updateCh <- u
}

func (d *UpdatableDeferred[T, U]) run() {
	ticker := time.NewTicker(deferredFlushInterval)
	defer ticker.Stop()

	var inserts []T
	var updates []U

	drain := func() {
		for {
			select {
			case row := <-d.insertCh:
				inserts = append(inserts, row)
				continue
			default:
			}
			select {
			case u := <-d.updateCh:
				updates = append(updates, u)
				continue
			default:
			}
			return
		}
	}

	for {
		select {
		case row := <-d.insertCh:
			inserts = append(inserts, row)
		case u := <-d.updateCh:
			updates = append(updates, u)
		case <-ticker.C:
			drain()
			d.flush(inserts, updates)
			inserts, updates = nil, nil
		case <-d.commitCh:
			drain()
			d.flush(inserts, updates)
			inserts, updates = nil, nil
		}
	}
}

// flush implements the exact coalescing contract: build a key->insert
// map, apply each update either into that map (dropping the update) or
// into a remaining-updates slice, then commit inserts-before-updates in
// one transaction.
func (d *UpdatableDeferred[T, U]) flush(inserts []T, updates []U) {
	if len(inserts) == 0 && len(updates) == 0 {
		return
	}

	byKey := make(map[string]*T, len(inserts))
	order := make([]string, 0, len(inserts))
	rows := make([]T, len(inserts))
	copy(rows, inserts)
	for i := range rows {
		k := d.keyOfInsert(rows[i])
		byKey[k] = &rows[i]
		order = append(order, k)
	}

	var remaining []U
	for _, u := range updates {
		if row, ok := byKey[d.keyOfUpdate(u)]; ok {
			d.applyTo(row, u)
		} else {
			remaining = append(remaining, u)
		}
	}

	finalRows := make([]T, 0, len(order))
	for _, k := range order {
		finalRows = append(finalRows, *byKey[k])
	}

	ctx := context.Background()
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("deferred: begin tx failed", slog.String("table", d.name), slog.String("error", err.Error()))
		return
	}

	for start := 0; start < len(finalRows); start += deferredChunkSize {
		end := start + deferredChunkSize
		if end > len(finalRows) {
			end = len(finalRows)
		}
		if err := d.execIns(ctx, tx, finalRows[start:end]); err != nil {
			slog.Error("deferred: insert chunk failed", slog.String("table", d.name), slog.String("error", err.Error()))
			_ = tx.Rollback()
			return
		}
	}

	for _, u := range remaining {
		if err := d.execUpd(ctx, tx, u); err != nil {
			slog.Error("deferred: update failed", slog.String("table", d.name), slog.String("error", err.Error()))
			_ = tx.Rollback()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("deferred: commit failed", slog.String("table", d.name), slog.String("error", err.Error()))
	}
}

