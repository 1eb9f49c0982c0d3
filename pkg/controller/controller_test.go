package controller

import (
	"context"
	"testing"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/stretchr/testify/require"
)

func newController() (*Controller, *catalog.Memory) {
	m := catalog.NewMemory()
	return New(m, config.Defaults()), m
}

func specFixture() abstract.JobSpec {
	return abstract.JobSpec{
		Source: abstract.ConnParams{
			Host:     "postgres://src.internal:5432/appdb",
			User:     "ferry",
			Password: "secret",
		},
		Target: abstract.ConnParams{
			Host:     "mysql://dst.internal:3306/appdb",
			User:     "ferry",
			Password: "secret",
		},
	}
}

func TestCreateJobFillsDefaults(t *testing.T) {
	c, _ := newController()
	job, err := c.CreateJob(context.Background(), specFixture())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, abstract.JobPending, job.Status)

	require.Equal(t, 100000, job.Spec.ChunkSize)
	require.Equal(t, 5000, job.Spec.BatchSize)
	require.Equal(t, 3, job.Spec.MaxRetries)
	require.Equal(t, 5, job.Spec.FailureThresholdPercent)

	// Normalize resolved the url descriptors into discrete fields.
	require.Equal(t, abstract.DriverPostgres, job.Spec.Source.Driver)
	require.Equal(t, "src.internal", job.Spec.Source.Host)
	require.Equal(t, 5432, job.Spec.Source.Port)
	require.Equal(t, abstract.DriverMySQL, job.Spec.Target.Driver)
}

func TestCreateJobKeepsExplicitKnobs(t *testing.T) {
	c, _ := newController()
	spec := specFixture()
	spec.ChunkSize = 250
	spec.MaxRetries = 7
	job, err := c.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, 250, job.Spec.ChunkSize)
	require.Equal(t, 7, job.Spec.MaxRetries)
}

func TestCreateJobRejectsUnknownDriver(t *testing.T) {
	c, _ := newController()
	spec := specFixture()
	spec.Source.Host = "db.internal"
	_, err := c.CreateJob(context.Background(), spec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid job spec")
}

func TestPauseResumeRoundtrip(t *testing.T) {
	c, m := newController()
	job, err := c.CreateJob(context.Background(), specFixture())
	require.NoError(t, err)

	require.NoError(t, c.PauseJob(context.Background(), job.ID))
	got, err := m.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobPaused, got.Status)

	require.NoError(t, c.ResumeJob(context.Background(), job.ID))
	got, err = m.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobRunning, got.Status)
}

func TestRetryChunkUnknownChunk(t *testing.T) {
	c, _ := newController()
	err := c.RetryChunk(context.Background(), "no-such-chunk")
	require.ErrorIs(t, err, catalog.ErrChunkNotFound)
}
