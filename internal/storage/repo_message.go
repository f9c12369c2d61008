package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
)

// InsertMessageJob stores an assembled message. Streamed and non-streamed
// responses land in the same row shape.
func InsertMessageJob(requestID uuid.UUID, ts time.Time, msg *assembler.Message, streamed bool) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.ID, err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO messages (
				request_id, ts, message_id, model, role, stop_reason, stop_sequence, streamed,
				block_count, tool_use_count, input_tokens, output_tokens,
				cache_read_input_tokens, cache_creation_input_tokens, text, body
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (request_id, ts) DO NOTHING`,
			requestID, ts, msg.ID, msg.Model, msg.Role, nilIfEmpty(msg.Stop()), msg.StopSequence, streamed,
			len(msg.Content), len(msg.ToolUses()),
			msg.Usage.InputTokens, msg.Usage.OutputTokens,
			msg.Usage.CacheReadInputTokens, msg.Usage.CacheCreationInputTokens,
			nilIfEmpty(msg.Text()), body,
		)
		return err
	})
}

// InsertStreamErrorJob records why a stream could not be assembled, along with
// the last partial snapshot.
func InsertStreamErrorJob(requestID uuid.UUID, ts time.Time, streamErr error, snap assembler.Snapshot) WriteJob {
	kind := assembler.ErrorKind(streamErr)
	message := streamErr.Error()
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		partial, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO stream_errors (request_id, ts, kind, message, snapshot)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (request_id, ts) DO NOTHING`,
			requestID, ts, kind, message, partial,
		)
		return err
	})
}
