package modhost

import "github.com/GoCodeAlone/modhost/logging"

// Logger defines the interface for host and module logging.
// Calls carry key-value pairs:
//
//	logger.Info("Module loaded", "module", "audit", "version", "1.0.0")
//
// *slog.Logger satisfies it directly; see logging.New.
type Logger = logging.Logger
