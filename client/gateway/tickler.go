package gateway

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/client/rest"
	"bgw-sdk-go/logger"
)

// DefaultTicklerInterval is how often the keep-alive is sent; the gateway
// times out idle sessions after a few minutes.
const DefaultTicklerInterval = 60 * time.Second

// KeepAliver is the single dependency the Tickler needs; the gateway
// client satisfies it.
type KeepAliver interface {
	Tickle() (rest.Result, error)
}

// Tickler keeps the gateway session alive by calling the keep-alive
// endpoint on a fixed interval from its own worker. Gateway restarts make
// timeouts routine, so they only warn; other failures are logged and the
// worker keeps going.
type Tickler struct {
	target   KeepAliver
	interval time.Duration
	clock    clock.Clock

	mtx     sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	log *logrus.Entry
}

// NewTickler creates a Tickler driving the given keep-alive target. A nil
// clk selects the wall clock.
func NewTickler(target KeepAliver, interval time.Duration, clk clock.Clock) *Tickler {
	if interval <= 0 {
		interval = DefaultTicklerInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tickler{
		target:   target,
		interval: interval,
		clock:    clk,
		log:      logger.WithComponent("tickler"),
	}
}

// Start launches the worker. Calling Start on a running Tickler is a no-op.
func (t *Tickler) Start() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.running {
		t.log.Info("tickler already running")
		return
	}

	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.worker(t.stop, t.done)
}

// Stop signals the worker and waits for it to exit, up to timeout
// (zero = indefinitely). Calling Stop on a stopped Tickler is a no-op.
func (t *Tickler) Stop(timeout time.Duration) {
	t.mtx.Lock()
	if !t.running {
		t.mtx.Unlock()
		return
	}
	t.running = false
	stop, done := t.stop, t.done
	t.mtx.Unlock()

	close(stop)

	if timeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		t.log.Warn("tickler did not stop within timeout")
	}
}

// Running reports whether the worker is active.
func (t *Tickler) Running() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.running
}

func (t *Tickler) worker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t.log.Infof("tickler starts with interval=%s", t.interval)

	for {
		select {
		case <-stop:
			t.log.Info("tickler gracefully stopped")
			return
		case <-t.clock.After(t.interval):
		}

		if _, err := t.target.Tickle(); err != nil {
			var timeoutErr *rest.TimeoutError
			if stderrors.As(err, &timeoutErr) {
				t.log.WithError(err).Warn("tickle timed out; gateway may be restarting")
			} else {
				t.log.WithError(err).Error("tickler error")
			}
		}
	}
}
