package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/database"
)

type SyncResult struct {
	Upserted int   `json:"upserted"`
	Deleted  int64 `json:"deleted"`
}

// Sync writes defs into the store in one transaction. Stored sources missing
// from defs are soft-deleted. Scheduling state is left as it is.
func Sync(ctx context.Context, store *database.Store, defs []Definition, now time.Time) (SyncResult, error) {
	var result SyncResult

	err := store.WithTx(ctx, func(tx *database.Store) error {
		keep := make([]string, 0, len(defs))
		for _, d := range defs {
			if err := tx.Sources.Upsert(ctx, d.Source(), now); err != nil {
				return err
			}
			keep = append(keep, d.ID)
			result.Upserted++
		}

		deleted, err := tx.Sources.MarkDeletedExcept(ctx, keep, now)
		if err != nil {
			return err
		}
		result.Deleted = deleted

		return tx.Audit.Record(ctx, &database.AuditEvent{
			EventType:  database.EventSourcesSynced,
			EntityType: database.EntitySource,
			EntityID:   "*",
			ActorType:  database.ActorSystem,
			Message:    fmt.Sprintf("%d sources synced, %d removed", result.Upserted, result.Deleted),
			Payload:    map[string]interface{}{"upserted": result.Upserted, "deleted": result.Deleted},
			CreatedAt:  now,
		})
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to sync sources: %w", err)
	}

	slog.Info("Sources synced", "upserted", result.Upserted, "deleted", result.Deleted)
	return result, nil
}
