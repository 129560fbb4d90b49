package usage

import (
	"context"
	"sort"

	"github.com/gourl/quotagate/internal/repository"
	"github.com/gourl/quotagate/pkg/logger"
)

// UsageWriter is the subset of repository.UsageRepository the flusher needs.
type UsageWriter interface {
	UpsertUsage(ctx context.Context, records []repository.UsageRecord) error
}

// RepositoryFlusher implements Flusher using a repository.
type RepositoryFlusher struct {
	repo UsageWriter
	log  *logger.Logger
}

// NewRepositoryFlusher creates a new RepositoryFlusher. log may be nil.
func NewRepositoryFlusher(repo UsageWriter, log *logger.Logger) *RepositoryFlusher {
	if log == nil {
		log = logger.Nop()
	}
	return &RepositoryFlusher{repo: repo, log: log}
}

// FlushUsage writes tallies to the repository.
func (f *RepositoryFlusher) FlushUsage(ctx context.Context, usage map[Key]Tally) error {
	if len(usage) == 0 {
		return nil
	}

	records := toRecords(usage)
	if err := f.repo.UpsertUsage(ctx, records); err != nil {
		f.log.Error("failed to flush usage", "error", err, "rows", len(records))
		return err
	}

	var allowed, denied int64
	for _, r := range records {
		allowed += r.Allowed
		denied += r.Denied
	}
	f.log.Debug("flushed usage", "rows", len(records), "allowed", allowed, "denied", denied)
	return nil
}

// toRecords converts tallies to rows ordered by subject then window, so
// concurrent flushers lock rows in the same order.
func toRecords(usage map[Key]Tally) []repository.UsageRecord {
	records := make([]repository.UsageRecord, 0, len(usage))
	for k, t := range usage {
		records = append(records, repository.UsageRecord{
			Subject:     string(k.Subject),
			WindowStart: k.WindowStart,
			Allowed:     t.Allowed,
			Denied:      t.Denied,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Subject != records[j].Subject {
			return records[i].Subject < records[j].Subject
		}
		return records[i].WindowStart < records[j].WindowStart
	})
	return records
}
