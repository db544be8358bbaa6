package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	m := NewManual(false)
	assert.False(t, m.Online())

	var events []bool
	unsubscribe := m.Subscribe(func(online bool) { events = append(events, online) })

	m.Set(true)
	m.Set(true)
	m.Set(false)
	assert.Equal(t, []bool{true, false}, events)

	unsubscribe()
	m.Set(true)
	assert.Len(t, events, 2)
	assert.True(t, m.Online())
}

func TestProberCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, time.Hour, time.Second)
	var events []bool
	p.Subscribe(func(online bool) { events = append(events, online) })

	assert.True(t, p.Check(context.Background()))
	healthy.Store(false)
	assert.False(t, p.Check(context.Background()))
	assert.Equal(t, []bool{true, false}, events)
}

func TestProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(url, time.Hour, 200*time.Millisecond)
	assert.False(t, p.Check(context.Background()))
}

func TestProberStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewProber(srv.URL, 10*time.Millisecond, time.Second)
	changed := make(chan bool, 1)
	p.Subscribe(func(online bool) { changed <- online })

	p.Start(context.Background())
	p.Start(context.Background())

	select {
	case online := <-changed:
		require.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("prober never reported online")
	}

	p.Stop()
	p.Stop()
}

func TestPingProber(t *testing.T) {
	var fail atomic.Bool
	p := NewPingProber("bucket matchops", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("ping without deadline")
		}
		if fail.Load() {
			return errors.New("403 forbidden")
		}
		return nil
	}, time.Hour, time.Second)

	assert.False(t, p.Online(), "offline before the first probe")
	assert.True(t, p.Check(context.Background()))
	fail.Store(true)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Online())
}
