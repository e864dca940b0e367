package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesAllTasks(t *testing.T) {
	p := New(4)
	var ran atomic.Int32
	tasks := make([]func() error, 50)
	for i := range tasks {
		tasks[i] = func() error {
			ran.Add(1)
			return nil
		}
	}
	require.NoError(t, p.Run(tasks...))
	assert.Equal(t, int32(50), ran.Load())
}

func TestRunReportsError(t *testing.T) {
	p := New(2)
	boom := errors.New("boom")
	var ran atomic.Int32
	err := p.Run(
		func() error { ran.Add(1); return nil },
		func() error { ran.Add(1); return boom },
		func() error { ran.Add(1); return nil },
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), ran.Load(), "tasks after a failure still run")
}

func TestRunNoTasks(t *testing.T) {
	require.NoError(t, New(0).Run())
}
