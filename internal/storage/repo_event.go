package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

var sseEventColumns = []string{"ts", "request_id", "event_index", "event_type", "data_json", "raw_bytes"}

// InsertSSEEventsJob copies the raw frames of one response into sse_events.
func InsertSSEEventsJob(requestID uuid.UUID, ts time.Time, events []stream.SSEEvent) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"sse_events"},
			sseEventColumns,
			pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
				ev := events[i]
				return []any{ts, requestID, ev.Index, ev.EventType, ev.RawData, ev.RawBytes}, nil
			}),
		)
		return err
	})
}
