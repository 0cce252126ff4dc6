package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy() Checker { return CheckerFunc(func(context.Context) error { return nil }) }

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context) error { return errors.New(msg) })
}

func TestServices_AllHealthy(t *testing.T) {
	s := NewServices(time.Second)
	s.Require("postgres", healthy())
	s.Require("vector", healthy())
	s.Optional("extractor", healthy())

	report := s.Check(context.Background())

	assert.True(t, report.Ready)
	assert.False(t, report.Degraded)
	require.Len(t, report.Components, 3)
	assert.Equal(t, "extractor", report.Components[0].Name)
	assert.Equal(t, "postgres", report.Components[1].Name)
}

func TestServices_RequiredFailureNotReady(t *testing.T) {
	s := NewServices(time.Second)
	s.Require("graph", failing("connection refused"))
	s.Optional("extractor", healthy())

	report := s.Check(context.Background())

	assert.False(t, report.Ready)
	st, ok := s.Last("graph")
	require.True(t, ok)
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Error)
}

func TestServices_OptionalFailureDegrades(t *testing.T) {
	s := NewServices(time.Second)
	s.Require("postgres", healthy())
	s.Optional("embedding", failing("401"))

	report := s.Check(context.Background())

	assert.True(t, report.Ready)
	assert.True(t, report.Degraded)
}

func TestServices_CheckTimeout(t *testing.T) {
	s := NewServices(20 * time.Millisecond)
	s.Require("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := s.Check(context.Background())

	assert.False(t, report.Ready)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServices_RegisterReplacesAndIgnoresNil(t *testing.T) {
	s := NewServices(0)
	s.Require("vector", failing("down"))
	s.Require("vector", healthy())
	s.Optional("extractor", nil)

	report := s.Check(context.Background())

	require.Len(t, report.Components, 1)
	assert.True(t, report.Ready)
	_, ok := s.Last("extractor")
	assert.False(t, ok)
}
