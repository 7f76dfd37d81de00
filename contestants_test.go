package contest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obek/contest/coord/coordtest"
)

func TestNewContestantsValidation(t *testing.T) {
	connect := connector(coordtest.NewServer())

	_, err := NewContestants(nil, testParent, 3)
	require.Error(t, err)

	_, err = NewContestants(connect, testParent, 0)
	require.Error(t, err)

	_, err = NewContestants(connect, "contest", 3)
	require.Error(t, err)

	_, err = NewContestants(connect, "/contest/", 3)
	require.Error(t, err)

	_, err = NewContestants(connect, testParent, 3, WithSchedulerSlots(2))
	require.Error(t, err)

	g, err := NewContestants(connect, testParent, 3)
	require.NoError(t, err)
	assert.Len(t, g.contestants, 3)
}

func TestLeaderAccessor(t *testing.T) {
	tg := newTestGroup(t, 2)

	leader := tg.awaitLeader(t)
	name, ok := tg.group.Leader()
	require.True(t, ok)
	assert.Equal(t, leader.Name(), name)

	tg.group.Stop()
	_, ok = tg.group.Leader()
	assert.False(t, ok)
}

func TestStartIsIdempotent(t *testing.T) {
	tg := newTestGroup(t, 2)
	tg.group.Start()
	tg.group.Start()

	tg.awaitLeader(t)
	require.Eventually(t, func() bool {
		return len(tg.srv.Children(testParent)) == 2
	}, 5*time.Second, 2*time.Millisecond)
}
