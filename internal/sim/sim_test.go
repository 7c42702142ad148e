package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

func TestRunConvergesWithoutFailures(t *testing.T) {
	p := DefaultParams()
	p.Nodes = 6
	p.Ticks = 30

	res, err := Run(p)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.ConvergedAt, 0)
	assert.Zero(t, res.Events[gossip.EventNodeRemoved])
	assert.Zero(t, res.Dropped)

	for _, v := range res.Views {
		assert.Equal(t, gossip.StateInGroup, v.State, v.Addr)
		assert.Len(t, v.Members, 6, v.Addr)
		assert.Equal(t, v.Addr, v.Members[0].Addr, "self first")
	}
}

func TestRunDetectsCrash(t *testing.T) {
	p := DefaultParams()
	p.Nodes = 5
	p.Ticks = 70
	p.Crash = 1
	p.CrashAt = 20

	res, err := Run(p)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.ConvergedAt, p.CrashAt+int(p.Protocol.RemoveAfter()))

	dead := Addr(4)
	for _, v := range res.Views {
		if v.Crashed {
			assert.Equal(t, dead, v.Addr)
			assert.Equal(t, gossip.StateFailed, v.State)
			continue
		}
		assert.Len(t, v.Members, 4, v.Addr)
		assert.NotContains(t, v.Addrs(), dead)
	}
	// each survivor drops the dead node exactly once, nobody else is lost
	assert.Equal(t, 4, res.Events[gossip.EventNodeRemoved])
}

func TestRunIsDeterministic(t *testing.T) {
	p := DefaultParams()
	p.Nodes = 8
	p.Ticks = 40
	p.DropRate = 0.2
	p.Seed = 42

	a, err := Run(p)
	require.NoError(t, err)
	b, err := Run(p)
	require.NoError(t, err)
	assert.Equal(t, a.Sent, b.Sent)
	assert.Equal(t, a.Dropped, b.Dropped)
	assert.Equal(t, a.Views, b.Views)
}

func TestParamsValidate(t *testing.T) {
	for name, mut := range map[string]func(*Params){
		"no nodes":       func(p *Params) { p.Nodes = 0 },
		"no ticks":       func(p *Params) { p.Ticks = 0 },
		"crash everyone": func(p *Params) { p.Crash = p.Nodes },
		"drop all":       func(p *Params) { p.DropRate = 1 },
		"bad protocol":   func(p *Params) { p.Protocol.Fanout = 0 },
	} {
		p := DefaultParams()
		mut(&p)
		_, err := Run(p)
		assert.Error(t, err, name)
	}
}

func TestViewAddrsSorted(t *testing.T) {
	v := View{Members: []gossip.Entry{{Addr: Addr(2)}, {Addr: Addr(0)}, {Addr: Addr(1)}}}
	assert.Equal(t, []gossip.Address{Addr(0), Addr(1), Addr(2)}, v.Addrs())
}
