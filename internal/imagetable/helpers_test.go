package imagetable

import (
	"log/slog"

	"github.com/vedon/imagetable/internal/logging"
)

func discardLogger() *slog.Logger {
	return logging.Discard()
}
