package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
)

// pruneListLimit bounds how far back the pruner looks per site
const pruneListLimit = 200

// Pruner enforces a site's archive retention: only the most recent
// MaxArchivesToKeep archives stay in storage, older ones are deleted and
// their crawl rows keep the history but lose the output pointers
type Pruner struct {
	store   interfaces.Store
	objects interfaces.ObjectStore
	logger  arbor.ILogger
}

func NewPruner(store interfaces.Store, objects interfaces.ObjectStore) *Pruner {
	return &Pruner{
		store:   store,
		objects: objects,
		logger:  common.GetLogger().WithPrefix("pruner"),
	}
}

// Prune removes archives beyond the site's retention count, newest first
// by completion time. A zero count keeps everything.
func (p *Pruner) Prune(ctx context.Context, site *models.Site) error {
	if site.MaxArchivesToKeep <= 0 {
		return nil
	}

	crawls, err := p.store.Crawls().ListBySite(ctx, site.ID, pruneListLimit)
	if err != nil {
		return fmt.Errorf("failed to list crawls for retention: %w", err)
	}

	var archived []*models.Crawl
	for _, c := range crawls {
		if c.OutputPath != "" && c.Status.IsTerminal() {
			archived = append(archived, c)
		}
	}
	if len(archived) <= site.MaxArchivesToKeep {
		return nil
	}

	sort.Slice(archived, func(i, j int) bool {
		ti, tj := archived[i].CreatedAt, archived[j].CreatedAt
		if archived[i].CompletedAt != nil {
			ti = *archived[i].CompletedAt
		}
		if archived[j].CompletedAt != nil {
			tj = *archived[j].CompletedAt
		}
		return ti.After(tj)
	})

	pruned := 0
	for _, c := range archived[site.MaxArchivesToKeep:] {
		if err := p.objects.Delete(ctx, c.OutputPath); err != nil {
			p.logger.Warn().Str("crawl", c.ID).Str("key", c.OutputPath).Err(err).
				Msg("Failed to delete pruned archive")
			continue
		}
		if err := p.store.Crawls().ClearOutput(ctx, c.ID); err != nil {
			p.logger.Warn().Str("crawl", c.ID).Err(err).Msg("Failed to clear pruned crawl output")
			continue
		}
		pruned++
	}
	if pruned > 0 {
		p.logger.Info().Str("site", site.ID).Int("pruned", pruned).
			Int("kept", site.MaxArchivesToKeep).Msg("Pruned old archives")
	}
	return nil
}
