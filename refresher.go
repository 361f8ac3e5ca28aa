package portalcrypt

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caresphere/portalcrypt/pkg/log"
)

// minRefreshDelay keeps a session that is already inside its refresh window
// from triggering a hot re-establishment loop. Variable so tests can shrink
// it.
var minRefreshDelay = 10 * time.Second

const (
	refreshCallTimeout = 30 * time.Second
	refreshMaxRetries  = 3
)

// refresher re-establishes the session shortly before it expires. Timers can
// be delayed or missed entirely (laptop sleep, throttled background tabs in
// the original deployment), so this is only the proactive half; the reactive
// half is the Manager's lazy expiry checks and ExpiresWithin.
type refresher struct {
	manager *Manager

	armCh  chan time.Time
	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	once sync.Once
}

func newRefresher(m *Manager) *refresher {
	ctx, cancel := context.WithCancel(context.Background())

	r := &refresher{
		manager: m,
		armCh:   make(chan time.Time, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.wg.Add(1)

	go r.run()

	return r
}

// arm schedules a refresh for the given expiry. The latest expiry wins; a
// pending one the worker has not picked up yet is discarded.
func (r *refresher) arm(expiresAt time.Time) {
	select {
	case <-r.armCh:
	default:
	}

	select {
	case r.armCh <- expiresAt:
	default:
	}
}

// disarm cancels any scheduled refresh.
func (r *refresher) disarm() {
	r.arm(time.Time{})
}

// stop shuts the worker down and waits for it to exit, aborting any refresh
// in flight.
func (r *refresher) stop() {
	r.once.Do(r.cancel)
	r.wg.Wait()
}

func (r *refresher) run() {
	defer r.wg.Done()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	reset := func(expiresAt time.Time) {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}

		if expiresAt.IsZero() {
			return
		}

		delay := time.Until(expiresAt.Add(-r.manager.policy.RefreshWindow))
		if delay < minRefreshDelay {
			delay = minRefreshDelay
		}

		timer = time.NewTimer(delay)
		fire = timer.C

		log.Debugf("[refresher] armed, refresh in %s", delay.Round(time.Second))
	}

	for {
		select {
		case <-r.ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return
		case expiresAt := <-r.armCh:
			reset(expiresAt)
		case <-fire:
			timer, fire = nil, nil

			r.refresh()
		}
	}
}

// refresh re-establishes with bounded retries. Success re-arms the timer via
// Establish itself; exhausted retries leave expiry to the reactive path.
func (r *refresher) refresh() {
	op := func() error {
		ctx, cancel := context.WithTimeout(r.ctx, refreshCallTimeout)
		defer cancel()

		_, err := r.manager.Establish(ctx)

		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), refreshMaxRetries), r.ctx)

	if err := backoff.Retry(op, bo); err != nil {
		if r.ctx.Err() != nil {
			return
		}

		log.Warnf("proactive session refresh failed: %v", err)
	}
}
