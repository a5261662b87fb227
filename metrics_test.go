package auth_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-auth-tokens"
)

func TestMetricsSinkCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := auth.NewMetricsSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLoginSuccess}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLoginSuccess}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventRefreshFailure,
		Metadata:  map[string]any{"reason": "rotated"},
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.Counter(auth.ActivityEventLoginSuccess, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.Counter(auth.ActivityEventRefreshFailure, "rotated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.Counter(auth.ActivityEventRefreshFailure, "expired")))
}

func TestMetricsSinkRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := auth.NewMetricsSink(reg)
	require.NoError(t, err)

	_, err = auth.NewMetricsSink(reg)
	assert.Error(t, err)
}

func TestLifecycleFeedsMetrics(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	reg := prometheus.NewRegistry()
	metrics, err := auth.NewMetricsSink(reg)
	require.NoError(t, err)

	manager := auth.NewLifecycleManager(f.repo, f.signer, f.cfg,
		auth.WithLifecycleClock(f.clock.Now),
		auth.WithPasswordHasher(f.hasher),
		auth.WithNotifier(f.notifier),
		auth.WithActivitySink(auth.MultiActivitySink{f.sink, metrics}),
	)

	_, err = manager.Login(context.Background(), auth.LoginRequest{Email: user.Email, Password: testPassword})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Counter(auth.ActivityEventLoginSuccess, "")))
	assert.Len(t, f.sink.ofType(auth.ActivityEventLoginSuccess), 1)
}
