package metadata

// TxnOp is a buffered write inside a transaction.
type TxnOp struct {
	Key      string
	Value    []byte
	Delete   bool
	Expected *Version
}

// ReadState is what a transaction observed for a key it read.
type ReadState struct {
	Exists  bool
	Version Version
}

// ReadFunc loads the committed state of a key for a BufferedTxn.
type ReadFunc func(key string) (value []byte, version Version, exists bool, err error)

// BufferedTxn records reads and buffers writes for backends that validate
// and apply at commit time. A later op on a key replaces the earlier one,
// inheriting its version expectation when it has none of its own.
type BufferedTxn struct {
	read  ReadFunc
	reads map[string]ReadState
	ops   []TxnOp
	index map[string]int
}

// NewBufferedTxn returns a BufferedTxn reading committed state through read.
func NewBufferedTxn(read ReadFunc) *BufferedTxn {
	return &BufferedTxn{
		read:  read,
		reads: make(map[string]ReadState),
		index: make(map[string]int),
	}
}

// Get returns buffered writes first; a key written earlier in the same
// transaction reports version 0.
func (t *BufferedTxn) Get(key string) ([]byte, Version, error) {
	if i, ok := t.index[key]; ok {
		op := t.ops[i]
		if op.Delete {
			return nil, 0, ErrKeyNotFound
		}
		return cloneBytes(op.Value), 0, nil
	}
	value, version, exists, err := t.read(key)
	if err != nil {
		return nil, 0, err
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = ReadState{Exists: exists, Version: version}
	}
	if !exists {
		return nil, 0, ErrKeyNotFound
	}
	return value, version, nil
}

func (t *BufferedTxn) Put(key string, value []byte) {
	t.add(TxnOp{Key: key, Value: cloneBytes(value)})
}

func (t *BufferedTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	v := expectedVersion
	t.add(TxnOp{Key: key, Value: cloneBytes(value), Expected: &v})
}

func (t *BufferedTxn) Delete(key string) {
	t.add(TxnOp{Key: key, Delete: true})
}

func (t *BufferedTxn) DeleteWithVersion(key string, expectedVersion Version) {
	v := expectedVersion
	t.add(TxnOp{Key: key, Delete: true, Expected: &v})
}

func (t *BufferedTxn) add(op TxnOp) {
	if i, ok := t.index[op.Key]; ok {
		if op.Expected == nil {
			op.Expected = t.ops[i].Expected
		}
		t.ops[i] = op
		return
	}
	t.index[op.Key] = len(t.ops)
	t.ops = append(t.ops, op)
}

// Reads returns the keys read during the transaction and what was observed.
func (t *BufferedTxn) Reads() map[string]ReadState { return t.reads }

// Ops returns the buffered writes in first-issued order.
func (t *BufferedTxn) Ops() []TxnOp { return t.ops }

// Expectation returns the version a commit must find for op.Key: the
// explicit expectation, else the version observed by a read, else nil.
func (t *BufferedTxn) Expectation(op TxnOp) *Version {
	if op.Expected != nil {
		return op.Expected
	}
	if rs, ok := t.reads[op.Key]; ok {
		v := rs.Version
		if !rs.Exists {
			v = 0
		}
		return &v
	}
	return nil
}
