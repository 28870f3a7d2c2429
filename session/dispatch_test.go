package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sendme/transport"
)

func TestDispatcherUnbounded(t *testing.T) {
	var wg sync.WaitGroup
	var ran atomic.Int32
	d := newDispatcher(0, func(transport.RecvStream) {
		ran.Add(1)
		wg.Done()
	})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		d.submit(&fakeRecvStream{r: strings.NewReader("")})
	}
	wg.Wait()
	assert.EqualValues(t, 10, ran.Load())
	assert.Zero(t, d.queued())
}

func TestDispatcherCapsInflight(t *testing.T) {
	const limit, total = 2, 5

	release := make(chan struct{})
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	d := newDispatcher(limit, func(transport.RecvStream) {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	})

	wg.Add(total)
	for i := 0; i < total; i++ {
		d.submit(&fakeRecvStream{r: strings.NewReader("")})
	}

	require.Eventually(t, func() bool { return running.Load() == limit }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, total-limit, d.queued())

	close(release)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Zero(t, d.queued())
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	var wg sync.WaitGroup
	d := newDispatcher(1, func(s transport.RecvStream) {
		defer wg.Done()
		if s.(*fakeRecvStream).r == nil {
			panic("boom")
		}
	})

	bad := &fakeRecvStream{}
	good := &fakeRecvStream{r: strings.NewReader("")}
	wg.Add(2)
	d.submit(bad)
	d.submit(good)
	wg.Wait()

	require.Eventually(t, bad.closed.Load, waitTimeout, 5*time.Millisecond)
	assert.False(t, good.closed.Load())
}
