package trans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/romshark/iwatrans/hw"
)

// SubmitCommand posts cmd to transmit ring qid and rings the doorbell.
//
// Without CmdWantResp it returns once the command is posted. With
// CmdWantResp and CmdAsync the response is passed to cmd.Callback. With
// CmdWantResp alone it blocks until the response arrives, the command
// timeout elapses (ErrCmdTimeout) or ctx is done. A response arriving after
// the caller gave up is dropped.
//
// A full ring fails immediately with ErrRingFull. Retrying is up to the
// caller, see WaitTxSpace.
func (t *Transport) SubmitCommand(ctx context.Context, qid int, cmd HostCmd) (*Packet, error) {
	wantResp := cmd.Flags&CmdWantResp != 0
	async := cmd.Flags&CmdAsync != 0

	var p *pending
	if wantResp {
		p = &pending{cont: cmd.Callback, posted: time.Now()}
		if !async {
			p.done = make(chan result, 1)
		}
	}

	t.mu.Lock()
	slot, err := t.postLocked(qid, cmd, p)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	ring := t.tx[qid]
	t.mu.Unlock()

	if p == nil || async {
		return nil, nil
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = t.opts.CmdTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-timer.C:
		err = fmt.Errorf("%w: code %#02x after %s", ErrCmdTimeout, cmd.Code, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	t.mu.Lock()
	cancelled := ring.table.cancel(slot, p)
	if cancelled {
		if ctx.Err() != nil {
			t.stats.CmdsCancelled++
		} else {
			t.stats.CmdsTimedOut++
		}
	}
	t.mu.Unlock()
	if !cancelled {
		// The completion path resolved the entry first and is delivering.
		r := <-p.done
		return r.resp, r.err
	}
	return nil, err
}

// SendCmd submits cmd to the command queue.
func (t *Transport) SendCmd(ctx context.Context, cmd HostCmd) (*Packet, error) {
	return t.SubmitCommand(ctx, t.opts.CmdQueue, cmd)
}

func (t *Transport) postLocked(qid int, cmd HostCmd, p *pending) (int, error) {
	if t.closing || t.closed {
		return 0, ErrClosed
	}
	if qid < 0 || qid >= len(t.tx) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownQueue, qid)
	}
	if !t.hwUp {
		return 0, fmt.Errorf("%w: device stopped", ErrHWNotReady)
	}
	r := t.tx[qid]

	tok, err := t.nic.Acquire(t.opts.NICAccessTimeout)
	if err != nil {
		return 0, err
	}
	defer tok.Release()

	slot, err := r.post(cmd.Code, cmd.Group, cmd.Payload, p)
	if err != nil {
		if errors.Is(err, ErrRingFull) {
			t.stats.RingFull++
		}
		return 0, err
	}
	t.plat.Write32(hw.HBUSTargWrPtr, uint32(qid)<<8|uint32(r.cur))
	t.stats.CmdsPosted++
	return slot, nil
}
