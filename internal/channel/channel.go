package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
)

// ErrBlocked is returned when the external channel cannot be opened.
var ErrBlocked = errors.New("channel: blocked")

// Opener presents a checkout URL to the payer, typically as a popup window.
type Opener interface {
	Open(ctx context.Context, checkoutURL string) (Handle, error)
}

// Handle is an opened channel. Closed reports whether the payer closed it; Close
// force-closes it and is safe to call more than once.
type Handle interface {
	Closed() bool
	Close() error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, checkoutURL string) (Handle, error)

func (f OpenerFunc) Open(ctx context.Context, checkoutURL string) (Handle, error) {
	return f(ctx, checkoutURL)
}

// Terminal shows the checkout link on Out and treats a line read from In (the payer
// pressing Enter) as the window being closed.
//
// Each Open starts a goroutine blocked reading In. Closing the handle does not stop
// it: the read only returns when a line arrives or In hits EOF. Terminal is meant
// for one checkout per process; long-lived callers should supply an In they can
// close.
type Terminal struct {
	Out io.Writer
	In  io.Reader
}

func (t Terminal) Open(_ context.Context, checkoutURL string) (Handle, error) {
	if t.Out == nil {
		return nil, ErrBlocked
	}
	u, err := url.Parse(checkoutURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: refusing to open %q", ErrBlocked, checkoutURL)
	}
	if _, err := fmt.Fprintf(t.Out, "Complete the payment at:\n  %s\nPress Enter when you are done.\n", u.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	h := &terminalHandle{out: t.Out}
	if t.In != nil {
		go func() {
			reader := bufio.NewReader(t.In)
			if _, err := reader.ReadString('\n'); err == nil || errors.Is(err, io.EOF) {
				h.closed.Store(true)
			}
		}()
	}
	return h, nil
}

type terminalHandle struct {
	out    io.Writer
	closed atomic.Bool
	once   sync.Once
}

func (h *terminalHandle) Closed() bool { return h.closed.Load() }

func (h *terminalHandle) Close() error {
	h.once.Do(func() {
		if !h.closed.Swap(true) {
			_, _ = fmt.Fprintln(h.out, "Checkout window closed.")
		}
	})
	return nil
}
