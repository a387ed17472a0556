package twofactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFinder returns scripted results per attempt and records the specs it
// was called with.
type fakeFinder struct {
	codes []string // "" means not found
	errs  []error
	specs []SearchSpec
}

func (f *fakeFinder) FindCode(_ context.Context, spec SearchSpec) (string, error) {
	i := len(f.specs)
	f.specs = append(f.specs, spec)
	var code string
	var err error
	if i < len(f.codes) {
		code = f.codes[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return code, err
}

// fakeClock advances instantly instead of sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func newTestPoller(finder CodeFinder, filter FilterConfig, maxWait, interval time.Duration) (*Poller, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)}
	p := NewPoller(finder, filter, maxWait, interval, testLogger())
	p.now = clk.Now
	p.sleep = clk.Sleep
	return p, clk
}

func TestWaitForCodeEventualSuccess(t *testing.T) {
	finder := &fakeFinder{codes: []string{"", "", "848586"}}
	p, clk := newTestPoller(finder, FilterConfig{Lookback: time.Hour}, 10*time.Second, 3*time.Second)
	start := clk.now

	code, err := p.WaitForCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "848586", code)
	assert.Len(t, finder.specs, 3)
	assert.Equal(t, 6*time.Second, clk.now.Sub(start), "code found on the attempt at ~6s")
}

func TestWaitForCodeTimeout(t *testing.T) {
	finder := &fakeFinder{}
	p, clk := newTestPoller(finder, FilterConfig{Lookback: time.Hour}, 10*time.Second, 3*time.Second)
	start := clk.now

	_, err := p.WaitForCode(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 10*time.Second, timeout.Waited)

	elapsed := clk.now.Sub(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Second)
	assert.Less(t, elapsed, 13*time.Second)
}

func TestWaitForCodeRecomputesSince(t *testing.T) {
	finder := &fakeFinder{codes: []string{"", "", "112233"}}
	lookback := 15 * time.Minute
	p, clk := newTestPoller(finder, FilterConfig{Lookback: lookback}, time.Minute, 5*time.Second)
	start := clk.now

	_, err := p.WaitForCode(context.Background())
	require.NoError(t, err)
	require.Len(t, finder.specs, 3)

	// The window slides forward: each attempt recomputes since from "now".
	assert.Equal(t, start.Add(-lookback), finder.specs[0].Since)
	assert.Equal(t, start.Add(5*time.Second).Add(-lookback), finder.specs[1].Since)
	assert.Equal(t, start.Add(10*time.Second).Add(-lookback), finder.specs[2].Since)
}

func TestWaitForCodeRetriesAfterAttemptError(t *testing.T) {
	finder := &fakeFinder{
		codes: []string{"", "", "999000"},
		errs:  []error{errors.New("connection reset"), nil, nil},
	}
	p, _ := newTestPoller(finder, FilterConfig{Lookback: time.Hour}, time.Minute, time.Second)

	code, err := p.WaitForCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "999000", code)
}

func TestWaitForCodeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finder := &fakeFinder{}
	p := NewPoller(finder, FilterConfig{Lookback: time.Hour}, time.Minute, time.Second, testLogger())

	_, err := p.WaitForCode(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
