package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/discovery"
)

func TestStaticResolvesOnceThenBlocksUntilCancelled(t *testing.T) {
	scheme := discovery.Scheme{Current: map[string]string{"p0": "addr0"}}
	w := discovery.Static{Scheme: scheme}

	got, rev, err := w.Watch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, scheme, got)
	assert.Equal(t, discovery.Revision(1), rev)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = w.Watch(ctx, &got)
	assert.Error(t, err)
}

func TestPollerResolvesOnlyOnChange(t *testing.T) {
	calls := 0
	schemes := []discovery.Scheme{
		{Current: map[string]string{"p0": "a"}},
		{Current: map[string]string{"p0": "a"}}, // unchanged
		{Current: map[string]string{"p0": "a", "p1": "b"}},
	}
	p := discovery.Poller{
		Interval: 5 * time.Millisecond,
		Fetch: func(ctx context.Context) (discovery.Scheme, error) {
			s := schemes[calls]
			if calls < len(schemes)-1 {
				calls++
			}
			return s, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, _, err := p.Watch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, schemes[0], first)

	second, _, err := p.Watch(ctx, &first)
	require.NoError(t, err)
	assert.Equal(t, schemes[2], second, "poller must skip the unchanged intermediate scheme")
}
