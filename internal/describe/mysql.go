package describe

import (
	"context"

	"github.com/sqlx-go/sqlx/internal/conn"
)

// MySQLAdapter is a no-op pass-through: MySQL's ColumnDefinition41
// already carries the NOT_NULL flag, so component D fills Nullable
// directly when it builds the Statement/Row columns, and there's nothing
// left for a separate probe to refine.
type MySQLAdapter struct{}

func (MySQLAdapter) Describe(ctx context.Context, query string, cols []conn.Column) error {
	return nil
}
