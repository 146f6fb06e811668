package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentcrew/internal/clock"
	perrors "github.com/p-blackswan/agentcrew/internal/errors"
	"github.com/p-blackswan/agentcrew/internal/models"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T, c clock.Clock) Store
}

func newTestSQLite(t *testing.T, c clock.Clock) *SQLite {
	dbPath := filepath.Join(t.TempDir(), "agentcrew.db")
	s, err := NewSQLite(dbPath, c, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var backends = []backend{
	{"memory", func(t *testing.T, c clock.Clock) Store { return NewMemory(c) }},
	{"sqlite", func(t *testing.T, c clock.Clock) Store { return newTestSQLite(t, c) }},
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store, c *clock.Fake)) {
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			c := clock.NewFake(epoch)
			fn(t, b.open(t, c), c)
		})
	}
}

func seedProject(t *testing.T, s Store) *models.Project {
	p, err := s.CreateProject(context.Background(), models.Project{
		Name:            "Storefront",
		Status:          models.ProjectActive,
		TokensRemaining: 4000,
	})
	require.NoError(t, err)
	return p
}

func TestNewSQLite_CreatesTables(t *testing.T) {
	s := newTestSQLite(t, nil)

	for _, table := range []string{"meta", "projects", "agents", "messages", "project_files"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version))
	assert.Equal(t, 2, version)
}

func TestNewSQLite_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agentcrew.db")
	s, err := NewSQLite(dbPath, nil, zerolog.Nop())
	require.NoError(t, err)
	p := seedProject(t, s)
	require.NoError(t, s.Close())

	s, err = NewSQLite(dbPath, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Storefront", got.Name)
}

func TestProject_CRUD(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, c *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)
		assert.NotZero(t, p.ID)
		assert.True(t, p.CreatedAt.Equal(epoch))

		got, err := s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 4000, got.TokensRemaining)
		assert.Nil(t, got.Snapshot)

		c.Advance(time.Second)
		updated, err := s.UpdateProject(ctx, p.ID, func(p *models.Project) error {
			p.Status = models.ProjectPaused
			p.Snapshot = &models.Snapshot{Timestamp: epoch, Context: "ctx"}
			p.ChargeTokens(500)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.ProjectPaused, updated.Status)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

		got, err = s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Snapshot)
		assert.Equal(t, "ctx", got.Snapshot.Context)
		assert.Equal(t, 500, got.TokensUsed)
		assert.Equal(t, 3500, got.TokensRemaining)

		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestUpdateProject_MutatorErrorLeavesRowUntouched(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)
		boom := errors.New("boom")

		_, err := s.UpdateProject(ctx, p.ID, func(p *models.Project) error {
			p.Name = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Storefront", got.Name)
	})
}

func TestNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		ctx := context.Background()

		_, err := s.GetProject(ctx, 99)
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		_, err = s.UpdateProject(ctx, 99, func(*models.Project) error { return nil })
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		_, err = s.GetAgent(ctx, 99)
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		_, err = s.UpdateAgent(ctx, 99, func(*models.Agent) error { return nil })
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		_, err = s.AppendMessage(ctx, models.NewMessage{ProjectID: 99, Content: "x", Kind: models.MessageUser})
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		_, err = s.GetFile(ctx, 99)
		assert.ErrorIs(t, err, perrors.ErrNotFound)
		assert.ErrorIs(t, s.DeleteFile(ctx, 99), perrors.ErrNotFound)
		_, err = s.CreateAgent(ctx, models.Agent{ProjectID: 99, Role: models.RoleQA})
		assert.ErrorIs(t, err, perrors.ErrNotFound)
	})
}

func TestAgent_CRUD(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)

		a, err := s.CreateAgent(ctx, models.Agent{
			ProjectID:  p.ID,
			Name:       "QA",
			Role:       models.RoleQA,
			Status:     models.StatusAvailable,
			TasksTotal: 10,
			Rules:      map[string]bool{"reviewAllCode": true, "checkBugs": false},
			Params:     models.GenerationParams{Temperature: 0.3, MaxOutputTokens: 2000},
		})
		require.NoError(t, err)
		assert.NotZero(t, a.ID)

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleQA, got.Role)
		assert.Equal(t, map[string]bool{"reviewAllCode": true, "checkBugs": false}, got.Rules)
		assert.InDelta(t, 0.3, got.Params.Temperature, 1e-9)

		updated, err := s.UpdateAgent(ctx, a.ID, func(a *models.Agent) error {
			a.Status = models.StatusWorking
			a.TasksCompleted++
			a.Role = models.RoleOps // ignored
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusWorking, updated.Status)
		assert.Equal(t, 1, updated.TasksCompleted)
		assert.Equal(t, models.RoleQA, updated.Role)

		list, err := s.ListAgents(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, a.ID, list[0].ID)

		empty, err := s.ListAgents(ctx, p.ID+1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestAgent_ReturnedCopiesAreIsolated(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)
		a, err := s.CreateAgent(ctx, models.Agent{ProjectID: p.ID, Role: models.RoleOps, Rules: map[string]bool{"createREADME": true}})
		require.NoError(t, err)

		a.Rules["createREADME"] = false

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.Rules["createREADME"])
	})
}

func TestMessages_OrderedAndStrictlyIncreasing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, c *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)
		agentID := int64(7)

		// The clock never moves: timestamps must still be strictly increasing.
		for i := 0; i < 5; i++ {
			nm := models.NewMessage{ProjectID: p.ID, Content: "m", Kind: models.MessageUser}
			if i%2 == 1 {
				nm.AgentID = &agentID
				nm.Kind = models.MessageAgentResponse
				nm.Metadata = map[string]any{"role": "qa"}
			}
			_, err := s.AppendMessage(ctx, nm)
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i := 1; i < len(msgs); i++ {
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "message %d not after %d", i, i-1)
			assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
		}
		assert.Nil(t, msgs[0].AgentID)
		require.NotNil(t, msgs[1].AgentID)
		assert.Equal(t, agentID, *msgs[1].AgentID)
		assert.Equal(t, "qa", msgs[1].Metadata["role"])

		c.Advance(time.Hour)
		last, err := s.AppendMessage(ctx, models.NewMessage{ProjectID: p.ID, Content: "later", Kind: models.MessageUser})
		require.NoError(t, err)
		assert.True(t, last.CreatedAt.Equal(epoch.Add(time.Hour)))
	})
}

func TestMessages_ConcurrentAppendsKeepOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, models.NewMessage{ProjectID: p.ID, Content: "c", Kind: models.MessageUser})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		msgs, err := s.ListMessages(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 20)
		seen := make(map[time.Time]bool)
		for _, m := range msgs {
			assert.False(t, seen[m.CreatedAt], "duplicate timestamp")
			seen[m.CreatedAt] = true
		}
	})
}

func TestFiles_CRUD(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, c *clock.Fake) {
		ctx := context.Background()
		p := seedProject(t, s)

		readme, err := s.CreateFile(ctx, models.ProjectFile{
			ProjectID: p.ID, Path: "/README.md", Name: "README.md", Kind: models.FileKindFile, Content: "# hi", Size: 4,
		})
		require.NoError(t, err)
		_, err = s.CreateFile(ctx, models.ProjectFile{
			ProjectID: p.ID, Path: "/docs", Name: "docs", Kind: models.FileKindFolder,
		})
		require.NoError(t, err)

		list, err := s.ListFiles(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "/README.md", list[0].Path)

		c.Advance(time.Minute)
		updated, err := s.UpdateFile(ctx, readme.ID, func(f *models.ProjectFile) error {
			f.Content = "# hello"
			f.Size = len(f.Content)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, updated.Size)
		assert.True(t, updated.UpdatedAt.Equal(epoch.Add(time.Minute)))

		require.NoError(t, s.DeleteFile(ctx, readme.ID))
		_, err = s.GetFile(ctx, readme.ID)
		assert.ErrorIs(t, err, perrors.ErrNotFound)
	})
}

func TestPing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, _ *clock.Fake) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestNextMessageTime(t *testing.T) {
	assert.Equal(t, epoch, nextMessageTime(time.Time{}, epoch))
	assert.Equal(t, epoch.Add(time.Microsecond), nextMessageTime(epoch, epoch))
	assert.Equal(t, epoch.Add(time.Microsecond), nextMessageTime(epoch, epoch.Add(-time.Second)))
}
