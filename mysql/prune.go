package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/delivery"
)

// PruneProcessed deletes processed events older than before, oldest id first.
// A zero limit removes every match in one statement.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit < 0 {
		return 0, delivery.ErrPruneLimitInvalid
	}

	var (
		res sql.Result
		err error
	)
	if limit == 0 {
		res, err = s.db.ExecContext(ctx, s.queries.pruneAll, before.UTC())
	} else {
		res, err = s.db.ExecContext(ctx, s.queries.prune, before.UTC(), limit)
	}
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: prune delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: prune rows failed: %w", err)
	}

	return affected, nil
}
