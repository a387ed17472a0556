package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver scripts the challenge UI.
type fakeDriver struct {
	present      bool
	clearAfter   int // submissions needed before the challenge clears
	hint         string
	submitted    []string
	resendCalls  int
	hintRequests int
}

func (d *fakeDriver) ChallengePresent(context.Context) (bool, error) {
	return d.present, nil
}

func (d *fakeDriver) SubmitCode(_ context.Context, code string) error {
	d.submitted = append(d.submitted, code)
	return nil
}

func (d *fakeDriver) ChallengeCleared(context.Context, time.Duration) (bool, error) {
	if len(d.submitted) >= d.clearAfter {
		d.present = false
		return true, nil
	}
	return false, nil
}

func (d *fakeDriver) ErrorHint(context.Context) string {
	d.hintRequests++
	return d.hint
}

func (d *fakeDriver) RequestResend(context.Context) error {
	d.resendCalls++
	return nil
}

// fakeWaiter hands out queued codes, or an error when the queue is empty.
type fakeWaiter struct {
	codes []string
	err   error
	calls int
}

func (w *fakeWaiter) WaitForCode(context.Context) (string, error) {
	w.calls++
	if len(w.codes) == 0 {
		if w.err != nil {
			return "", w.err
		}
		return "", &TimeoutError{Waited: time.Minute}
	}
	code := w.codes[0]
	w.codes = w.codes[1:]
	return code, nil
}

func TestCycleFirstAttemptSucceeds(t *testing.T) {
	driver := &fakeDriver{present: true, clearAfter: 1}
	waiter := &fakeWaiter{codes: []string{"111111"}}
	cycle := NewCycle(driver, waiter, 3, time.Second, testLogger())

	require.NoError(t, cycle.Complete(context.Background()))
	assert.Equal(t, []string{"111111"}, driver.submitted)
	assert.Zero(t, driver.resendCalls)
}

func TestCycleRepollsFreshCodeAfterRejection(t *testing.T) {
	driver := &fakeDriver{present: true, clearAfter: 2, hint: "Invalid code"}
	waiter := &fakeWaiter{codes: []string{"111111", "222222"}}
	cycle := NewCycle(driver, waiter, 3, time.Second, testLogger())

	require.NoError(t, cycle.Complete(context.Background()))
	assert.Equal(t, []string{"111111", "222222"}, driver.submitted,
		"second attempt submits a freshly polled code, not the rejected one")
	assert.Equal(t, 2, waiter.calls)
	assert.Equal(t, 1, driver.resendCalls)
}

func TestCycleSkipsSubmissionWhenAlreadyCleared(t *testing.T) {
	driver := &fakeDriver{present: false}
	waiter := &fakeWaiter{codes: []string{"111111"}}
	cycle := NewCycle(driver, waiter, 3, time.Second, testLogger())

	require.NoError(t, cycle.Complete(context.Background()))
	assert.Empty(t, driver.submitted)
}

func TestCycleExhaustsAttempts(t *testing.T) {
	driver := &fakeDriver{present: true, clearAfter: 99, hint: "Code expired"}
	waiter := &fakeWaiter{codes: []string{"111111", "222222", "333333"}}
	cycle := NewCycle(driver, waiter, 3, time.Second, testLogger())

	err := cycle.Complete(context.Background())
	var challengeErr *ChallengeError
	require.ErrorAs(t, err, &challengeErr)
	assert.Equal(t, 3, challengeErr.Attempts)
	assert.Equal(t, "Code expired", challengeErr.Hint)
	assert.Len(t, driver.submitted, 3)
	assert.Equal(t, 2, driver.resendCalls, "no resend after the final attempt")
}

func TestCyclePollTimeoutIsTerminal(t *testing.T) {
	driver := &fakeDriver{present: true}
	waiter := &fakeWaiter{} // always times out
	cycle := NewCycle(driver, waiter, 3, time.Second, testLogger())

	err := cycle.Complete(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Empty(t, driver.submitted, "nothing to submit without a code")
	assert.Equal(t, 1, waiter.calls, "timeout ends the cycle immediately")
}
