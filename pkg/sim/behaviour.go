package sim

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cardbench/scp81/pkg/apdu"
)

// Mode selects how the behaviour controller shapes card responses.
type Mode string

const (
	// ModeNormal answers every command after the fixed Delay.
	ModeNormal Mode = "normal"
	// ModeError replaces responses with an error status word at the
	// configured probability.
	ModeError Mode = "error"
	// ModeTimeout stalls instead of answering at the configured
	// probability, long enough to trip the server's idle timer.
	ModeTimeout Mode = "timeout"
)

// Behaviour shapes the virtual card's responses for resilience testing.
// The zero value is ModeNormal with no delay.
type Behaviour struct {
	Mode Mode

	// Delay is a fixed processing latency applied to every response,
	// regardless of mode.
	Delay time.Duration

	// Probability is the per-exchange chance in [0,1] that error or
	// timeout mode strikes. Ignored in normal mode.
	Probability float64

	// ErrorSWs is the pool error mode draws injected status words from.
	// Empty means 6F00.
	ErrorSWs []uint16

	// TimeoutMin and TimeoutMax bound the stall drawn in timeout mode.
	TimeoutMin time.Duration
	TimeoutMax time.Duration

	// Seed makes the random draws reproducible when nonzero.
	Seed uint64

	rng *rand.Rand
}

func (b *Behaviour) init() {
	if b.rng != nil {
		return
	}
	seed := b.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	b.rng = rand.New(rand.NewPCG(seed, seed))
}

// shape applies the behaviour to one response and reports whether it
// replaced the response with an injected error. A context error means the
// run was cancelled mid-delay.
func (b *Behaviour) shape(ctx context.Context, resp apdu.Response) (apdu.Response, bool, error) {
	b.init()

	if b.Delay > 0 {
		if err := sleepCtx(ctx, b.Delay); err != nil {
			return resp, false, err
		}
	}

	switch b.Mode {
	case ModeError:
		if b.strikes() {
			return apdu.NewResponse(nil, b.pickSW()), true, nil
		}
	case ModeTimeout:
		if b.strikes() {
			if err := sleepCtx(ctx, b.stall()); err != nil {
				return resp, false, err
			}
		}
	}
	return resp, false, nil
}

func (b *Behaviour) strikes() bool {
	if b.Probability >= 1 {
		return true
	}
	if b.Probability <= 0 {
		return false
	}
	return b.rng.Float64() < b.Probability
}

func (b *Behaviour) pickSW() uint16 {
	if len(b.ErrorSWs) == 0 {
		return apdu.SWNoDiagnosis
	}
	return b.ErrorSWs[b.rng.IntN(len(b.ErrorSWs))]
}

func (b *Behaviour) stall() time.Duration {
	lo, hi := b.TimeoutMin, b.TimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(b.rng.Int64N(int64(hi-lo)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
