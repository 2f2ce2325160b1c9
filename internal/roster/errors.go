package roster

import (
	"errors"
	"fmt"
)

var (
	ErrRosterInvalid = errors.New("roster invalid")
	ErrRowInvalid    = errors.New("row invalid")
)

type RowError struct {
	Sheet  string
	Row    int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Reason)
}

func (e *RowError) Is(target error) bool {
	return target == ErrRowInvalid
}

func rosterInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRosterInvalid, fmt.Sprintf(format, args...))
}
