package trans

import (
	"context"
	"iter"
	"slices"
)

// Receive returns up to max data frames received since the last call.
// Every frame must be passed to ReleaseFrame once the caller is done with
// it. When no frame is waiting and the receive ring stalled because too
// many frames are held, Receive returns ErrPoolExhausted.
func (t *Transport) Receive(max int) ([]Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	n := min(max, len(t.backlog))
	if n == 0 {
		if t.rxStalled {
			return nil, ErrPoolExhausted
		}
		return nil, nil
	}
	frames := slices.Clone(t.backlog[:n])
	t.backlog = slices.Delete(t.backlog, 0, n)
	return frames, nil
}

// Wait blocks until frames are waiting to be received, the receive ring
// stalled or ctx is done.
func (t *Transport) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if len(t.backlog) > 0 || t.rxStalled {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Frames yields received frames until ctx is done or the transport fails.
// The caller releases every yielded frame.
func (t *Transport) Frames(ctx context.Context, batch int) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			if err := t.Wait(ctx); err != nil {
				yield(Frame{}, err)
				return
			}
			frames, err := t.Receive(batch)
			if err != nil {
				yield(Frame{}, err)
				return
			}
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

// ReleaseFrame returns a frame's buffer to the receive pool. A stalled
// receive ring resumes as soon as a buffer is available again.
func (t *Transport) ReleaseFrame(f Frame) error {
	var b batch
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if err := t.rx.release(f.buf, f.gen); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.rxStalled && t.hwUp {
		t.rxLocked(&b)
	}
	t.unlock(&b)
	return nil
}

// WaitTxSpace blocks until transmit ring qid accepts commands again
// or ctx is done.
func (t *Transport) WaitTxSpace(ctx context.Context, qid int) error {
	for {
		t.mu.Lock()
		if t.closing || t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if qid < 0 || qid >= len(t.tx) {
			t.mu.Unlock()
			return ErrUnknownQueue
		}
		if !t.tx[qid].full {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
