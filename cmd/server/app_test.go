package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/learning"
)

func TestNewApp_InMemoryDefaults(t *testing.T) {
	a := newTestApp(t, testConfig())

	assert.Nil(t, a.db)
	assert.Nil(t, a.redis)
	assert.True(t, a.inProcessBroker())
	assert.IsType(t, &idempotency.MemoryStore{}, a.claims)
	assert.IsType(t, &broker.MemoryDeadLetterQueue{}, a.deadLetters)

	got, err := a.agents.GetAgent(context.Background(), "agent-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "client-a", got.ClientID)
}

func TestNewApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()

	a := newTestApp(t, cfg)

	assert.NotNil(t, a.redis)
	assert.IsType(t, &idempotency.RedisStore{}, a.claims)
	assert.IsType(t, &broker.RedisDeadLetterQueue{}, a.deadLetters)

	ok, err := a.claims.PutIfAbsent(context.Background(), "claim-check", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()
	mr.Close()

	_, err := newApp(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestNewHook_RoutesEventsToBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.RouteHookEvents = true
	a := newTestApp(t, cfg)

	h := a.newHook()
	h.OnInteraction("agent-a", "support", []learning.Message{{Role: "user", Content: "I prefer short answers"}}, "ok", nil)
	res := h.Flush(context.Background())
	require.Equal(t, 1, res.Processed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := a.broker.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.TaskAnalyzeEvent, d.Task.Type)
	assert.Equal(t, "agent-a", d.Task.AgentID)
}

func TestBindReload_TogglesHook(t *testing.T) {
	path := writeConfig(t, "hook:\n  enabled: true\n")
	rt, err := loadRuntime(path)
	require.NoError(t, err)
	a := newTestApp(t, rt.cfg)
	h := a.newHook()
	bindReload(rt.manager, a, h)
	require.True(t, h.Enabled())

	require.NoError(t, os.WriteFile(path, []byte("hook:\n  enabled: false\n"), 0o600))
	require.NoError(t, rt.manager.Reload())
	assert.False(t, h.Enabled())
}
