package projects

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/models"
)

const (
	snapshotTTL     = 10 * time.Minute
	snapshotCleanup = 30 * time.Minute
)

// snapshotCache holds decoded snapshots keyed by project id.
// Cached values are shared and must be treated as read-only.
type snapshotCache struct {
	cache  *gocache.Cache
	logger zerolog.Logger
}

func newSnapshotCache(ttl time.Duration, logger zerolog.Logger) *snapshotCache {
	return &snapshotCache{
		cache:  gocache.New(ttl, snapshotCleanup),
		logger: logger,
	}
}

func snapshotKey(projectID int64) string {
	return strconv.FormatInt(projectID, 10)
}

func (c *snapshotCache) get(projectID int64) (*models.Snapshot, bool) {
	v, found := c.cache.Get(snapshotKey(projectID))
	if !found {
		return nil, false
	}
	s, ok := v.(*models.Snapshot)
	if !ok {
		c.logger.Error().Int64("project_id", projectID).Msg("Wrong type in snapshot cache")
		return nil, false
	}
	return s, true
}

func (c *snapshotCache) set(projectID int64, s *models.Snapshot) {
	c.cache.SetDefault(snapshotKey(projectID), s)
}

func (c *snapshotCache) delete(projectID int64) {
	c.cache.Delete(snapshotKey(projectID))
}

func (c *snapshotCache) len() int {
	return c.cache.ItemCount()
}
