package sheets

import (
	"context"

	"spendlog/internal/core"
)

// Ports for outbound export adapters.
type (
	// RecordAppender mirrors one confirmed record to an external sheet.
	RecordAppender interface {
		Append(ctx context.Context, rec core.Record) (rowRef string, err error)
	}
)
