package vtil

import (
	"os"

	"github.com/pkg/errors"
)

// Save writes the textual serialization of the routine to the given path.
func Save(rtn *Routine, path string) error {
	if err := os.WriteFile(path, []byte(rtn.String()), 0o644); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
