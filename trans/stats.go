package trans

// Stats are the transport's counters since Open.
type Stats struct {
	CmdsPosted    uint64
	CmdsCompleted uint64
	CmdsTimedOut  uint64
	CmdsCancelled uint64
	CmdsAbandoned uint64
	RingFull      uint64
	Spurious      uint64
	RxFrames      uint64
	RxBytes       uint64
	RxErrors      uint64
	RxStalls      uint64
	Notifications uint64
	Interrupts    uint64
	ICTInterrupts uint64
	Reinits       uint64
	DMAInUse      uint64
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	s := t.stats
	t.mu.Unlock()
	s.DMAInUse = uint64(t.alloc.InUse())
	return s
}

// QueueState describes the occupancy of one transmit ring.
type QueueState struct {
	Queued int
	Full   bool
}

// Queue returns the state of transmit ring qid.
func (t *Transport) Queue(qid int) (QueueState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if qid < 0 || qid >= len(t.tx) {
		return QueueState{}, ErrUnknownQueue
	}
	r := t.tx[qid]
	return QueueState{Queued: r.queued, Full: r.full}, nil
}

// Options returns the options the transport was opened with.
func (t *Transport) Options() Options { return t.opts }
