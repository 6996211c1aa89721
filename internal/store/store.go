// Package store is the append-only journal and the state derived from it.
//
// Every event the service emits flows through Append, which assigns a dense,
// strictly increasing sequence number and persists the event to SQLite before
// anything downstream sees it. In-memory projections (positions, open orders,
// wallet, circuit, daily PnL, returns window) are folded from the same stream,
// so replaying the journal from an empty store reproduces them exactly.
// Periodic checkpoints bound replay time on restart; a retention sweep drops
// old events only once a checkpoint covers them.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/config"
	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

const (
	journalFile    = "journal.db"
	checkpointFile = "checkpoint.json"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq     INTEGER PRIMARY KEY,
	ts      INTEGER NOT NULL,
	type    TEXT    NOT NULL,
	symbol  TEXT    NOT NULL DEFAULT '',
	payload TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_ts ON events (ts);
`

type writeReq struct {
	evt   types.JournalEvent
	reply chan types.JournalEvent
}

// Store owns the journal database and its projections. A single writer
// goroutine serializes appends, so sequence numbers are dense and events
// reach subscribers in commit order.
type Store struct {
	cfg    config.StoreConfig
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger

	writeCh chan writeReq
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu            sync.RWMutex
	proj          *Projections
	applied       uint64 // seq of the last event folded into proj
	checkpointSeq uint64 // seq covered by the last successful checkpoint

	nextSeq uint64 // writer goroutine only

	subMu   sync.Mutex
	subs    map[int]chan types.JournalEvent
	nextSub int
}

// Open opens (or creates) the journal under cfg.DataDir and recovers state:
// the latest checkpoint is loaded, then every event past it is replayed into
// the projections. The returned store is ready to append.
func Open(cfg config.StoreConfig, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, journalFile)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		clock:   clk,
		logger:  logger.With("component", "store"),
		writeCh: make(chan writeReq, 64),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		proj:    newProjections(),
		subs:    make(map[int]chan types.JournalEvent),
	}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}

	go s.writer()
	return s, nil
}

// recover loads the newest checkpoint and replays the journal tail on top.
func (s *Store) recover() error {
	cp, err := loadCheckpoint(filepath.Join(s.cfg.DataDir, checkpointFile))
	if err != nil {
		return err
	}
	from := uint64(0)
	if cp != nil {
		s.proj = cp.Projections
		from = cp.LastSeq
		s.checkpointSeq = cp.LastSeq
	}

	rows, err := s.db.Query(`SELECT seq, payload FROM events WHERE seq > ? ORDER BY seq ASC`, from)
	if err != nil {
		return fmt.Errorf("replay query: %w", err)
	}
	defer rows.Close()

	last, replayed := from, 0
	for rows.Next() {
		var (
			seq     uint64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("replay scan: %w", err)
		}
		var evt types.JournalEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			s.logger.Error("skipping corrupt journal row", "seq", seq, "error", err)
			last = seq
			continue
		}
		if last > 0 && seq != last+1 {
			s.logger.Warn("journal gap during replay", "from", last, "to", seq)
		}
		s.proj.apply(evt)
		last = seq
		replayed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("replay rows: %w", err)
	}

	s.applied = last
	s.nextSeq = last
	if replayed > 0 || from > 0 {
		s.logger.Info("journal recovered",
			"checkpoint_seq", from, "replayed", replayed, "last_seq", last)
	}
	return nil
}

// Append persists one event and returns it with Seq and Time filled in.
// Blocks until the event is committed, so on return the event is durable
// and visible in the projections. Safe for concurrent use.
func (s *Store) Append(evt types.JournalEvent) types.JournalEvent {
	req := writeReq{evt: evt, reply: make(chan types.JournalEvent, 1)}
	select {
	case s.writeCh <- req:
		select {
		case out := <-req.reply:
			return out
		case <-s.done:
			return evt
		}
	case <-s.done:
		s.logger.Warn("append after close dropped", "type", evt.Type)
		return evt
	}
}

// writer is the single goroutine that commits events. On stop it drains
// whatever is already queued before exiting, so a graceful shutdown never
// loses an accepted event.
func (s *Store) writer() {
	for {
		select {
		case req := <-s.writeCh:
			req.reply <- s.commit(req.evt)
		case <-s.stopCh:
			for {
				select {
				case req := <-s.writeCh:
					req.reply <- s.commit(req.evt)
				default:
					close(s.done)
					return
				}
			}
		}
	}
}

func (s *Store) commit(evt types.JournalEvent) types.JournalEvent {
	s.nextSeq++
	evt.Seq = s.nextSeq
	if evt.Time.IsZero() {
		evt.Time = s.clock.Now().UTC()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		// Payloads are plain structs; this cannot fire outside a programming
		// error. Keep the seq dense rather than losing the row.
		s.logger.Error("journal marshal failed", "seq", evt.Seq, "type", evt.Type, "error", err)
		payload = []byte(fmt.Sprintf(`{"seq":%d,"type":%q}`, evt.Seq, evt.Type))
	}
	if _, err := s.db.Exec(
		`INSERT INTO events (seq, ts, type, symbol, payload) VALUES (?, ?, ?, ?, ?)`,
		evt.Seq, evt.Time.UnixMilli(), string(evt.Type), evt.Symbol, string(payload),
	); err != nil {
		s.logger.Error("journal insert failed", "seq", evt.Seq, "type", evt.Type, "error", err)
	}

	s.mu.Lock()
	s.proj.apply(evt)
	s.applied = evt.Seq
	s.mu.Unlock()

	s.fanout(evt)
	return evt
}

// Subscribe returns a channel of committed events and a cancel func. The
// channel is buffered; a subscriber that falls behind loses events rather
// than stalling the journal.
func (s *Store) Subscribe() (<-chan types.JournalEvent, func()) {
	buffer := s.cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan types.JournalEvent, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Store) fanout(evt types.JournalEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.logger.Warn("slow journal subscriber, event dropped", "subscriber", id, "seq", evt.Seq)
		}
	}
}

// Sweep deletes events older than the retention window, but never past the
// last checkpoint: a row is only dropped once a checkpoint makes its replay
// unnecessary. Returns the number of rows removed.
func (s *Store) Sweep() (int64, error) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -days).UnixMilli()

	s.mu.RLock()
	ceiling := s.checkpointSeq
	s.mu.RUnlock()
	if ceiling == 0 {
		return 0, nil
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE ts < ? AND seq <= ?`, cutoff, ceiling)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("retention sweep", "deleted", n, "older_than_days", days)
	}
	return n, nil
}

// LastSeq returns the sequence of the last event folded into the projections.
func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Close stops the writer after draining queued appends, then closes the
// database. Appends after Close are dropped with a warning.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.done
	})
	return s.db.Close()
}
