package rpcstrategy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/cluster"
	"github.com/dreamsxin/crdtstore/discovery"
	"github.com/dreamsxin/crdtstore/rpcstrategy"
)

type fakeEndpoint struct {
	name   string
	sender cluster.PartitionStorage[string, int]
	disc   discovery.Watcher
}

func (f fakeEndpoint) Sender() cluster.PartitionStorage[string, int] { return f.sender }
func (f fakeEndpoint) Discovery() discovery.Watcher                  { return f.disc }

func staticDiscovery(current map[string]string) discovery.Watcher {
	return discovery.Static{Scheme: discovery.Scheme{Current: current}}
}

func TestTypeDispatchFallsBackToDefault(t *testing.T) {
	up := fakeEndpoint{name: "upload-path", disc: staticDiscovery(map[string]string{"p0": "a"})}
	def := fakeEndpoint{name: "default", disc: staticDiscovery(map[string]string{"p0": "a"})}

	td := &rpcstrategy.TypeDispatch[string, int]{
		Routes:  map[string]rpcstrategy.Endpoint[string, int]{"upload": up},
		Default: def,
	}

	e, err := td.Resolve("upload")
	require.NoError(t, err)
	assert.Equal(t, "upload-path", e.(fakeEndpoint).name)

	e, err = td.Resolve("unknown-class")
	require.NoError(t, err)
	assert.Equal(t, "default", e.(fakeEndpoint).name)
}

func TestTypeDispatchErrorsWithNoDefault(t *testing.T) {
	td := &rpcstrategy.TypeDispatch[string, int]{
		Routes: map[string]rpcstrategy.Endpoint[string, int]{},
	}
	_, err := td.Resolve("whatever")
	assert.ErrorIs(t, err, rpcstrategy.ErrNoSender)
}

func TestFirstAvailablePicksFirstNonNilSender(t *testing.T) {
	down := fakeEndpoint{name: "down", sender: nil, disc: staticDiscovery(nil)}
	up := fakeEndpoint{name: "up", sender: fakeStorage{}, disc: staticDiscovery(nil)}

	fa := &rpcstrategy.FirstAvailable[string, int]{Candidates: []rpcstrategy.Endpoint[string, int]{down, up}}
	e, err := fa.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "up", e.(fakeEndpoint).name)
}

func TestFirstAvailableErrorsWhenAllDown(t *testing.T) {
	down := fakeEndpoint{name: "down", sender: nil, disc: staticDiscovery(nil)}
	fa := &rpcstrategy.FirstAvailable[string, int]{Candidates: []rpcstrategy.Endpoint[string, int]{down}}
	_, err := fa.Resolve()
	assert.ErrorIs(t, err, rpcstrategy.ErrNoSender)
}

func TestShardingFailsWhenTargetHasNoSender(t *testing.T) {
	down := fakeEndpoint{name: "only", sender: nil, disc: staticDiscovery(nil)}
	sh := &rpcstrategy.Sharding[string, int]{
		Candidates: []rpcstrategy.Endpoint[string, int]{down},
		KeyString:  func(s string) string { return s },
	}
	_, err := sh.Resolve("any-key")
	assert.ErrorIs(t, err, rpcstrategy.ErrNoSender)
}

func TestShardingIsDeterministic(t *testing.T) {
	a := fakeEndpoint{name: "a", sender: fakeStorage{}, disc: staticDiscovery(nil)}
	b := fakeEndpoint{name: "b", sender: fakeStorage{}, disc: staticDiscovery(nil)}
	sh := &rpcstrategy.Sharding[string, int]{
		Candidates: []rpcstrategy.Endpoint[string, int]{a, b},
		KeyString:  func(s string) string { return s },
	}
	first, err := sh.Resolve("key-42")
	require.NoError(t, err)
	second, err := sh.Resolve("key-42")
	require.NoError(t, err)
	assert.Equal(t, first.(fakeEndpoint).name, second.(fakeEndpoint).name)
}

// fakeStorage is a no-op cluster.PartitionStorage used only to populate a
// non-nil Sender().
type fakeStorage struct{}

func (fakeStorage) Upload() cluster.UploadSink[string, int]    { return nil }
func (fakeStorage) Download(*int64) cluster.Source[string, int] { return nil }
func (fakeStorage) Remove(int64) cluster.KeySink[string]        { return nil }

func TestUnionDiscoveryResolvesFromAnyMember(t *testing.T) {
	fast := staticDiscovery(map[string]string{"p0": "a"})
	td := &rpcstrategy.TypeDispatch[string, int]{
		Routes: map[string]rpcstrategy.Endpoint[string, int]{
			"x": fakeEndpoint{name: "x", disc: fast},
		},
	}
	scheme, _, err := td.Discovery().Watch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p0": "a"}, scheme.Current)
}
