package arena

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quotas(min, max int) [moduleCount]Quota {
	var q [moduleCount]Quota
	for i := range q {
		q[i] = Quota{Min: min, Max: max}
	}
	return q
}

func TestGetAndFreeRoundTrip(t *testing.T) {
	var a, err = New(1024, 4, quotas(0, 4))
	require.NoError(t, err)

	var c, getErr = a.Get(context.Background(), ModuleParser)
	require.NoError(t, getErr)
	require.Len(t, c.Bytes(), 1024)

	var stats = a.Stats()
	require.Equal(t, 1, stats.PerModule[ModuleParser])

	a.Free(ModuleParser, c)
	stats = a.Stats()
	require.Equal(t, 0, stats.PerModule[ModuleParser])
}

func TestMinIsNeverLentToAPeer(t *testing.T) {
	// Case: Parser reserves a floor of 2; Builder must never be able to
	// starve it below that floor even while holding everything else.
	var q [moduleCount]Quota
	q[ModuleParser] = Quota{Min: 2, Max: 4}
	q[ModuleBuilder] = Quota{Min: 0, Max: 4}

	var a, err = New(64, 4, q)
	require.NoError(t, err)

	var builderChunks []*Chunk
	for i := 0; i < 2; i++ {
		c, getErr := a.Get(context.Background(), ModuleBuilder)
		require.NoError(t, getErr)
		builderChunks = append(builderChunks, c)
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, getErr := a.Get(ctx, ModuleBuilder)
	require.ErrorContains(t, getErr, "shutdown")

	// Parser can still reach its floor even though the arena is "full".
	for i := 0; i < 2; i++ {
		_, getErr := a.Get(context.Background(), ModuleParser)
		require.NoError(t, getErr)
	}

	for _, c := range builderChunks {
		a.Free(ModuleBuilder, c)
	}
}

func TestGetBlocksUntilFreeThenUnblocks(t *testing.T) {
	var a, err = New(64, 1, quotas(0, 1))
	require.NoError(t, err)

	var c, getErr = a.Get(context.Background(), ModuleParser)
	require.NoError(t, getErr)

	var unblocked = make(chan struct{})
	go func() {
		_, err := a.Get(context.Background(), ModuleBuilder)
		require.NoError(t, err)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Get returned before a chunk was freed")
	case <-time.After(20 * time.Millisecond):
	}

	a.Free(ModuleParser, c)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Free")
	}
}

func TestFreeOfUnknownHandlePanics(t *testing.T) {
	var a, err = New(64, 2, quotas(0, 2))
	require.NoError(t, err)

	var ghost = &Chunk{handle: Handle(0xdeadbeef), data: make([]byte, 64)}
	require.Panics(t, func() { a.Free(ModuleParser, ghost) })
}

func TestShutdownWakesBlockedGet(t *testing.T) {
	var a, err = New(64, 1, quotas(0, 1))
	require.NoError(t, err)

	_, getErr := a.Get(context.Background(), ModuleParser)
	require.NoError(t, getErr)

	var errCh = make(chan error, 1)
	go func() {
		_, err := a.Get(context.Background(), ModuleBuilder)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Shutdown()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake blocked Get")
	}
}
