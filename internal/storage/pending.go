package storage

import "sync"

// pendingOp is a buffered persistence operation. A nil record means remove.
type pendingOp struct {
	key    string
	record *Record
}

// pendingQueue buffers writes for the asynchronous MapDataStore backends.
// Later operations on the same key supersede earlier ones.
type pendingQueue struct {
	mu  sync.Mutex
	ops map[string]pendingOp
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{ops: make(map[string]pendingOp)}
}

func (q *pendingQueue) put(key string, record *Record) {
	q.mu.Lock()
	q.ops[key] = pendingOp{key: key, record: record}
	q.mu.Unlock()
}

func (q *pendingQueue) take(key string) (pendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[key]
	if ok {
		delete(q.ops, key)
	}
	return op, ok
}

func (q *pendingQueue) drain() []pendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := make([]pendingOp, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.ops = make(map[string]pendingOp)
	return ops
}

// requeue puts an op back after a failed commit unless a newer op for the
// same key has arrived meanwhile.
func (q *pendingQueue) requeue(op pendingOp) {
	q.mu.Lock()
	if _, ok := q.ops[op.key]; !ok {
		q.ops[op.key] = op
	}
	q.mu.Unlock()
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *pendingQueue) reset() {
	q.mu.Lock()
	q.ops = make(map[string]pendingOp)
	q.mu.Unlock()
}
