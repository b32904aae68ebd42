package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/delivery"
)

var _ delivery.Pruner = (*Store)(nil)

// PruneProcessed deletes processed events older than before, oldest id first.
// A zero limit removes every match.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit < 0 {
		return 0, delivery.ErrPruneLimitInvalid
	}

	var (
		res sql.Result
		err error
	)
	if limit == 0 {
		res, err = s.db.ExecContext(ctx, s.queries.pruneAll, before)
	} else {
		res, err = s.db.ExecContext(ctx, s.queries.prune, before, limit)
	}
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: prune delete failed: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: prune rows failed: %w", err)
	}

	return removed, nil
}
