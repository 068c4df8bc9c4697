package circuit

import (
	"testing"

	"github.com/stretchr/testify/require"
	"lokinet-path/internal/rc"
)

func TestProfilerMarksBadAfterRepeatedTimeouts(t *testing.T) {
	p := NewProfiler()
	router := randRouterID(t)
	require.False(t, p.IsBadForPath(router))

	for i := 0; i < profilingChances; i++ {
		p.MarkPathTimeout(router)
	}
	require.True(t, p.IsBadForPath(router))
}

func TestProfilerSuccessClearsBadJudgement(t *testing.T) {
	p := NewProfiler()
	router := randRouterID(t)
	for i := 0; i < profilingChances; i++ {
		p.MarkPathFail(router)
	}
	require.True(t, p.IsBadForPath(router))

	p.MarkPathSuccess(router)
	require.False(t, p.IsBadForPath(router))
}

func TestSelectHopsExcludesBadRouters(t *testing.T) {
	ctx := NewPathContext(randRouterID(t), &fakeTransport{}, nil)
	b := NewBuilder(ctx, newFakeRCLookup())

	bad := randRouterID(t)
	good := randRouterID(t)
	for i := 0; i < profilingChances; i++ {
		ctx.Profiler().MarkPathTimeout(bad)
	}

	picked, err := b.SelectHops([]rc.RouterID{bad, good}, 1, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []rc.RouterID{good}, picked)
}
