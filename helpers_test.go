package contest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/obek/contest/coord"
	"github.com/obek/contest/coord/coordtest"
)

const testParent = "/contest"

func connector(srv *coordtest.Server) Connector {
	return func(ctx context.Context) (coord.Client, error) {
		return srv.Connect(), nil
	}
}

type testGroup struct {
	srv   *coordtest.Server
	clock clockwork.FakeClock
	group *Contestants
}

// newTestGroup runs n contestants against an in-memory namespace with a fake
// clock and a fixed 5s leadership hold.
func newTestGroup(t *testing.T, n int, opts ...Option) *testGroup {
	srv := coordtest.NewServer()
	fc := clockwork.NewFakeClock()

	opts = append([]Option{
		WithClock(fc),
		WithHold(func() time.Duration { return 5 * time.Second }),
	}, opts...)

	g, err := NewContestants(connector(srv), testParent, n, opts...)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(g.Stop)

	return &testGroup{srv: srv, clock: fc, group: g}
}

func leaders(g *Contestants) []*Contestant {
	var ret []*Contestant
	for _, c := range g.contestants {
		if c.IsLeader() {
			ret = append(ret, c)
		}
	}
	return ret
}

// awaitLeader polls until exactly one contestant holds leadership, asserting
// the at-most-one property on every sample along the way.
func (tg *testGroup) awaitLeader(t *testing.T) *Contestant {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ls := leaders(tg.group)
		require.LessOrEqual(t, len(ls), 1, "more than one leader")
		if len(ls) == 1 {
			return ls[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

// rotate fires the current leader's hold timer and waits for leadership to
// move to a different contestant.
func (tg *testGroup) rotate(t *testing.T, current *Contestant) *Contestant {
	t.Helper()
	tg.clock.BlockUntil(1)
	tg.clock.Advance(6 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ls := leaders(tg.group)
		require.LessOrEqual(t, len(ls), 1, "more than one leader")
		if len(ls) == 1 && ls[0] != current {
			return ls[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("leadership did not move")
	return nil
}
