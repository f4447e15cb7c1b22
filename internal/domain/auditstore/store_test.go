package auditstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

type countingSink struct {
	writes int
	err    error
}

func (c *countingSink) WriteDetection(context.Context, copytrade.Detection) error {
	c.writes++
	return c.err
}

func (c *countingSink) WriteReplication(context.Context, copytrade.ReplicationOutcome) error {
	c.writes++
	return c.err
}

func (c *countingSink) WriteSessionEvent(context.Context, copytrade.SessionEvent) error {
	c.writes++
	return c.err
}

func TestMultiSinkWritesEverySink(t *testing.T) {
	broken := &countingSink{err: errors.New("broker down")}
	healthy := &countingSink{}
	m := MultiSink{broken, nil, healthy}
	ctx := context.Background()

	require.EqualError(t, m.WriteDetection(ctx, copytrade.Detection{}), "broker down")
	require.Error(t, m.WriteReplication(ctx, copytrade.ReplicationOutcome{}))
	require.Error(t, m.WriteSessionEvent(ctx, copytrade.SessionEvent{}))
	require.Equal(t, 3, broken.writes)
	require.Equal(t, 3, healthy.writes)

	require.NoError(t, MultiSink{healthy}.WriteDetection(ctx, copytrade.Detection{}))
}
