//go:build !tinygo

package hal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// HeadlessConfig controls the host runner.
type HeadlessConfig struct {
	Hz    int
	Ticks uint64
	Host  HostConfig
}

// RunHeadless runs the kernel loop against the host HAL.
//
// The clock goroutine plays the timer interrupt: it only feeds the Time tick
// channel. The loop goroutine calls step Hz times per second and returns after
// cfg.Ticks steps (0 = until ctx is done).
func RunHeadless(ctx context.Context, newApp func(HAL) (func() error, error), cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}

	h := New(cfg.Host).(*hostHAL)
	defer func() { _ = h.Close() }()

	step, err := newApp(h)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer h.t.close()
		t := time.NewTicker(h.t.period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				h.t.advance(now)
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		t := time.NewTicker(d)
		defer t.Stop()
		var n uint64
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if step != nil {
					if err := step(); err != nil {
						return err
					}
				}
				n++
				if cfg.Ticks > 0 && n >= cfg.Ticks {
					return nil
				}
			}
		}
	})

	err = g.Wait()
	if h.t.dropped > 0 {
		h.logger.WriteLineString(fmt.Sprintf("hal: %d timer ticks dropped", h.t.dropped))
	}
	return err
}
