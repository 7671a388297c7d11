package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"trading-dashboard/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultHistory    = 100
	maxHistory        = 5000
)

// JournalConfig configures the SQLite journal.
type JournalConfig struct {
	DBPath     string // e.g. "data/marks.db"
	BatchSize  int
	FlushDelay time.Duration

	// OnCommit, if set, is called after every committed batch.
	OnCommit func(rows int, took time.Duration)
}

// Journal records display-price changes per position. A single goroutine
// (Run) writes; History may be called concurrently.
type Journal struct {
	db         *sql.DB
	batchSize  int
	flushDelay time.Duration
	onCommit   func(int, time.Duration)

	// last journaled price/source per key, owned by Run
	last map[string]lastMark
}

type lastMark struct {
	price  float64
	valid  bool
	source string
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Open opens (or creates) the journal database in WAL mode.
func Open(cfg JournalConfig) (*Journal, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	j := &Journal{
		db:         db,
		batchSize:  cfg.BatchSize,
		flushDelay: cfg.FlushDelay,
		onCommit:   cfg.OnCommit,
		last:       make(map[string]lastMark),
	}
	if j.batchSize <= 0 {
		j.batchSize = defaultBatchSize
	}
	if j.flushDelay <= 0 {
		j.flushDelay = defaultFlushDelay
	}

	log.Printf("[sqlite] opened journal at %s", cfg.DBPath)
	return j, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS position_marks (
			exchange      TEXT    NOT NULL,
			token         TEXT    NOT NULL,
			ts            INTEGER NOT NULL,
			display_price REAL,
			source        TEXT    NOT NULL,
			entry         REAL,
			qty           REAL,
			pnl           REAL,
			PRIMARY KEY (exchange, token, ts)
		);
	`)
	return err
}

// Run reads view sets from viewCh and journals the rows whose display price
// or price source changed since the last journaled row for that position.
// Flushes every batchSize rows OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or viewCh is closed.
func (j *Journal) Run(ctx context.Context, viewCh <-chan []model.PositionView) {
	batch := make([]model.MarkRecord, 0, j.batchSize)
	timer := time.NewTimer(j.flushDelay)
	defer timer.Stop()

	flush := func() {
		if err := j.commit(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case views, ok := <-viewCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, j.changed(views)...)
			if len(batch) >= j.batchSize {
				flush()
				timer.Reset(j.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(j.flushDelay)
		}
	}
}

// commit writes recs in one transaction. On failure the positions in recs
// are forgotten so the next cycle journals them again.
func (j *Journal) commit(recs []model.MarkRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	if err := j.insertBatch(recs); err != nil {
		for _, r := range recs {
			delete(j.last, r.Exchange+":"+r.Token)
		}
		return err
	}
	if j.onCommit != nil {
		j.onCommit(len(recs), time.Since(start))
	}
	return nil
}

// changed returns records for views that differ from what was last journaled.
// Positions missing from views are forgotten, so a reopened position is
// journaled even at its old price.
func (j *Journal) changed(views []model.PositionView) []model.MarkRecord {
	var out []model.MarkRecord
	seen := make(map[string]struct{}, len(views))
	for i := range views {
		v := &views[i]
		seen[v.ID] = struct{}{}
		cur := lastMark{source: string(v.PriceSource)}
		if v.DisplayPrice != nil {
			cur.price, cur.valid = *v.DisplayPrice, true
		}
		if prev, ok := j.last[v.ID]; ok && prev == cur {
			continue
		}
		j.last[v.ID] = cur
		out = append(out, RecordFromView(*v))
	}
	for id := range j.last {
		if _, ok := seen[id]; !ok {
			delete(j.last, id)
		}
	}
	return out
}

// RecordFromView converts a view into a journal row.
func RecordFromView(v model.PositionView) model.MarkRecord {
	return model.MarkRecord{
		Exchange:     v.Exchange,
		Token:        v.Token,
		TS:           v.TS.UnixMilli(),
		DisplayPrice: v.DisplayPrice,
		Source:       string(v.PriceSource),
		Entry:        v.Entry,
		Qty:          v.Qty,
		PnL:          v.PnL,
	}
}

// insertBatch inserts records in a single transaction.
func (j *Journal) insertBatch(recs []model.MarkRecord) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO position_marks (exchange, token, ts, display_price, source, entry, qty, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.Exchange, r.Token, r.TS, r.DisplayPrice, r.Source, r.Entry, r.Qty, r.PnL); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s:%s@%d: %w", r.Exchange, r.Token, r.TS, err)
		}
	}
	return tx.Commit()
}

// History returns up to limit journaled rows for exchange:token, newest first.
// limit <= 0 means 100; limits above 5000 are capped.
func (j *Journal) History(ctx context.Context, exchange, token string, limit int) ([]model.MarkRecord, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT exchange, token, ts, display_price, source, entry, qty, pnl
		FROM position_marks
		WHERE exchange = ? AND token = ?
		ORDER BY ts DESC
		LIMIT ?
	`, exchange, token, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]model.MarkRecord, 0)
	for rows.Next() {
		var (
			r                      model.MarkRecord
			price, entry, qty, pnl sql.NullFloat64
		)
		if err := rows.Scan(&r.Exchange, &r.Token, &r.TS, &price, &r.Source, &entry, &qty, &pnl); err != nil {
			return nil, err
		}
		r.DisplayPrice = nullable(price)
		r.Entry = nullable(entry)
		r.Qty = nullable(qty)
		r.PnL = nullable(pnl)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func nullable(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
