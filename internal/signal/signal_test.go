package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drumNotes() []models.Note {
	return []models.Note{
		{Pitch: 36, StartBeat: 0, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 36, StartBeat: 1, DurationBeats: 0.25, Velocity: 110},
	}
}

func TestWaitForReceivesSignal(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.SignalComplete("sec-1", "hash-a", true, drumNotes())
	}()

	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Len(t, result.DrumNotes, 2)
	assert.Equal(t, "hash-a", result.ContractHash)
}

func TestWaitForSignalledBeforeWait(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})
	bus.SignalComplete("sec-1", "hash-a", true, drumNotes())

	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
}

func TestWrongHashIsInvisible(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})
	bus.SignalComplete("sec-1", "hash-a", true, drumNotes())

	// A waiter with a different contract hash times out instead of seeing
	// the foreign signal.
	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-b", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSignalCompleteIsIdempotent(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})
	bus.SignalComplete("sec-1", "hash-a", true, drumNotes())
	bus.SignalComplete("sec-1", "hash-a", false, nil) // must not overwrite

	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Len(t, result.DrumNotes, 2)
}

func TestEmptyBusReturnsImmediately(t *testing.T) {
	bus := NewBus()

	start := time.Now()
	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitForContextCancellation(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := bus.WaitFor(ctx, "sec-1", "hash-a", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not observe cancellation")
	}
}

func TestFailureSignalCarriesNoNotes(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})
	bus.SignalComplete("sec-1", "hash-a", false, nil)

	result, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.DrumNotes)
}

func TestSignalled(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1", "sec-2"}, []string{"hash-a", "hash-b"})
	assert.False(t, bus.Signalled("sec-1", "hash-a"))

	bus.SignalComplete("sec-1", "hash-a", true, nil)
	assert.True(t, bus.Signalled("sec-1", "hash-a"))
	assert.False(t, bus.Signalled("sec-2", "hash-b"))
}

func TestMismatchedStoredHashIsProtocolViolation(t *testing.T) {
	bus := FromSectionIDs([]string{"sec-1"}, []string{"hash-a"})

	// Corrupt the stored result through the internal map to simulate a
	// producer writing an inconsistent payload.
	bus.mu.Lock()
	e := bus.entries["sec-1:hash-a"]
	e.result = &SectionSignalResult{Success: true, ContractHash: "hash-z"}
	close(e.done)
	bus.mu.Unlock()

	_, err := bus.WaitFor(context.Background(), "sec-1", "hash-a", time.Second)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ProtocolViolation))
}
