package engine

import "fmt"

// GracefulShutdownError reports a run stopped by a cooperative cancel.
// In-flight rows were finished, pending work was flushed, and a cursor
// was written before the run closed as interrupted.
type GracefulShutdownError struct {
	RunID         string
	RowsProcessed int
}

func (e *GracefulShutdownError) Error() string {
	return fmt.Sprintf("run %s interrupted after %d rows", e.RunID, e.RowsProcessed)
}
