package runstore

import (
	"log/slog"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

type opType string

const (
	opSave   opType = "save"
	opLogs   opType = "logs"
	opDelete opType = "delete"
)

type dbOp struct {
	opType opType
	run    *domain.Run
	lines  []string
}

// Recorder mirrors registry events into a Store. Writes are applied in order
// by a single goroutine so observers never block on the database.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	dbWriteChan chan dbOp
	dbWriteDone chan struct{}
}

var _ registry.Observer = (*Recorder)(nil)

// NewRecorder starts a Recorder writing to store
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store:       store,
		logger:      slog.Default(),
		dbWriteChan: make(chan dbOp, 100),
		dbWriteDone: make(chan struct{}),
	}
	go r.dbWriter()
	return r
}

// SetLogger sets the logger
func (r *Recorder) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// OnRunEvent queues the write matching a registry event
func (r *Recorder) OnRunEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventCreated:
		r.queueDBOp(dbOp{opType: opSave, run: ev.Run})
		if len(ev.Run.Logs) > 0 {
			r.queueDBOp(dbOp{opType: opLogs, run: ev.Run, lines: ev.Run.Logs})
		}
	case registry.EventStatus:
		r.queueDBOp(dbOp{opType: opSave, run: ev.Run})
	case registry.EventUpdated:
		r.queueDBOp(dbOp{opType: opSave, run: ev.Run})
		if len(ev.Patch.AppendLogs) > 0 {
			r.queueDBOp(dbOp{opType: opLogs, run: ev.Run, lines: ev.Patch.AppendLogs})
		}
	case registry.EventDeleted:
		r.queueDBOp(dbOp{opType: opDelete, run: ev.Run})
	}
}

// Stop drains pending writes and stops the writer goroutine
func (r *Recorder) Stop() {
	if r.dbWriteChan != nil {
		close(r.dbWriteChan)
		<-r.dbWriteDone
		r.dbWriteChan = nil
	}
}

func (r *Recorder) dbWriter() {
	for op := range r.dbWriteChan {
		r.apply(op)
	}
	close(r.dbWriteDone)
}

// queueDBOp queues a write, applying it synchronously when the queue is full
func (r *Recorder) queueDBOp(op dbOp) {
	select {
	case r.dbWriteChan <- op:
	default:
		r.apply(op)
	}
}

func (r *Recorder) apply(op dbOp) {
	var err error
	switch op.opType {
	case opSave:
		err = r.store.SaveRun(op.run)
	case opLogs:
		err = r.store.AppendLogs(op.run.ID, op.lines...)
	case opDelete:
		err = r.store.DeleteRun(op.run.ID)
	}
	if err != nil {
		r.logger.Warn("run history write failed", "op", op.opType, "run_id", op.run.ID, "error", err)
	}
}
