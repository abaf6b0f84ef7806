// Package logging provides structured logging for parallax runs.
//
// It wraps log/slog with a JSON handler and adds helpers that attach the
// identifiers an operator filters on when reading a run log after the fact:
// the session, the execution group, the worker and the task.
//
//	logger, err := logging.NewLogger(".parallax/logs", logging.LevelInfo)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wlog := logger.WithSession(sessionID).WithGroup(0).WithWorker("w-1")
//	wlog.Info("worker started", "task_id", "auth-1")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"worker started","session_id":"01J...","group":0,"worker_id":"w-1","task_id":"auth-1"}
//
// Long runs can rotate the log file by size with [NewLoggerWithRotation].
// Rotated files are named parallax.log.1, parallax.log.2 and so on, where .1 is
// the most recent backup. With compression enabled they become parallax.log.1.gz.
//
// All types in this package are safe for concurrent use.
package logging
