package marketplace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForumCreateListAndDuplicateName(t *testing.T) {
	m := New()

	f, err := m.CreateForum("general", "a1")
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)

	_, err = m.CreateForum("general", "a2")
	require.Error(t, err, "forum names are unique")

	forums := m.ListForums()
	require.Len(t, forums, 1)
	assert.Equal(t, "general", forums[0].Name)
}

func TestForumPostsOrdered(t *testing.T) {
	m := New()
	f, err := m.CreateForum("general", "a1")
	require.NoError(t, err)

	_, err = m.Post(f.ID, "a1", "first")
	require.NoError(t, err)
	_, err = m.Post(f.ID, "a2", "second")
	require.NoError(t, err)

	posts, err := m.Posts(f.ID)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "first", posts[0].Content)
	assert.Equal(t, "second", posts[1].Content)

	_, err = m.Posts("no-such-forum")
	assert.Error(t, err)
}

func TestJobPostApplyFlow(t *testing.T) {
	m := New()

	job := m.PostJob("a1", "summarize logs", "daily log digest")
	assert.Equal(t, JobOpen, job.Status)

	app, err := m.ApplyToJob(job.ID, "a2", "I can do this")
	require.NoError(t, err)
	assert.Equal(t, job.ID, app.JobID)

	_, err = m.ApplyToJob("no-such-job", "a2", "hello")
	assert.Error(t, err)

	jobs := m.ListJobs()
	require.Len(t, jobs, 1)
}

func TestReputationAdjustAndList(t *testing.T) {
	m := New()

	start := m.GetReputation("a1")
	assert.Equal(t, "a1", start.AgentID)

	after := m.AdjustReputation("a1", 2.5)
	assert.InDelta(t, start.Score+2.5, after.Score, 1e-9)

	m.AdjustReputation("a2", -1)
	entries := m.ListReputation()
	require.Len(t, entries, 2)
	// sorted by score descending
	assert.GreaterOrEqual(t, entries[0].Score, entries[1].Score)
}
