package planctx

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

// LevelDB key scheme, grounded on the teacher's memory-engine key prefixes
// (memory.go's "|"-separated scheme), generalized from Megram vocabulary to
// plan/task results and outputs:
//
//	r|<planID>|<taskID>    → TaskResult JSON
//	o|<planID>|<seq>       → PlanOutput JSON
const (
	prefixResult = "r|"
	prefixOutput = "o|"
)

type writeRequest struct {
	key   string
	value []byte
}

// PersistentStore durably mirrors PlanContext mutations to LevelDB so a
// crashed process can resume plan state (§4.6.1). The in-memory PlanContext
// remains authoritative; writes are async, fire-and-forget, and dropped with
// a log warning under backpressure — the same non-blocking idiom as the
// teacher's memory engine's write queue.
type PersistentStore struct {
	db      *leveldb.DB
	writeCh chan writeRequest
	log     *slog.Logger
	seq     int
}

// OpenPersistentStore opens (or creates) a LevelDB database at dbPath.
func OpenPersistentStore(dbPath string, log *slog.Logger) (*PersistentStore, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &PersistentStore{
		db:      db,
		writeCh: make(chan writeRequest, 1024),
		log:     log,
	}, nil
}

// Run drains the async write queue until ctx is cancelled, then closes the
// database.
func (s *PersistentStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			if err := s.db.Close(); err != nil {
				s.log.Warn("plan context store close error", "error", err)
			}
			return
		case req := <-s.writeCh:
			s.persist(req)
		}
	}
}

func (s *PersistentStore) drain() {
	for {
		select {
		case req := <-s.writeCh:
			s.persist(req)
		default:
			return
		}
	}
}

func (s *PersistentStore) persist(req writeRequest) {
	if err := s.db.Put([]byte(req.key), req.value, nil); err != nil {
		s.log.Error("plan context persist failed", "key", req.key, "error", err)
	}
}

func (s *PersistentStore) enqueue(key string, value []byte) {
	select {
	case s.writeCh <- writeRequest{key: key, value: value}:
	default:
		s.log.Warn("plan context write queue full — dropping write", "key", key)
	}
}

func (s *PersistentStore) writeResult(planID, taskID string, result plan.TaskResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.log.Error("marshal task result failed", "task_id", taskID, "error", err)
		return
	}
	s.enqueue(prefixResult+planID+"|"+taskID, data)
}

func (s *PersistentStore) writeOutput(planID string, o PlanOutput) {
	data, err := json.Marshal(o)
	if err != nil {
		s.log.Error("marshal plan output failed", "task_id", o.TaskID, "error", err)
		return
	}
	s.seq++
	s.enqueue(prefixOutput+planID+"|"+itoa(s.seq), data)
}

// itoa avoids pulling in strconv solely for zero-padded sequence keys; kept
// tiny and local since the only caller needs monotonically increasing,
// lexically sortable suffixes within one process lifetime. LevelDB's prefix
// iterator returns keys in byte order, not numeric order, so the result is
// zero-padded to a fixed width — without padding, "10" would sort before
// "2" and LoadOutputs would hand back outputs out of insertion order once a
// plan persists ten or more of them.
const seqWidth = 8

func itoa(n int) string {
	var digits [seqWidth]byte
	for i := seqWidth - 1; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}

// LoadResults reads back every persisted TaskResult for planID, keyed by
// task id. Used to resume a PlanContext after a crash.
func (s *PersistentStore) LoadResults(planID string) (map[string]plan.TaskResult, error) {
	prefix := prefixResult + planID + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	out := make(map[string]plan.TaskResult)
	for iter.Next() {
		taskID := string(iter.Key())[len(prefix):]
		var r plan.TaskResult
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out[taskID] = r
	}
	return out, iter.Error()
}

// LoadOutputs reads back every persisted PlanOutput for planID, in key
// (insertion) order.
func (s *PersistentStore) LoadOutputs(planID string) ([]PlanOutput, error) {
	prefix := prefixOutput + planID + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []PlanOutput
	for iter.Next() {
		var o PlanOutput
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, iter.Error()
}
