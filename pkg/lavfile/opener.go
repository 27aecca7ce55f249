package lavfile

import (
	"errors"
	"os"

	"github.com/google/uuid"

	"github.com/drgolem/lavtools/pkg/sink"
)

// Opener creates frame files, or single JPEG images for FormatJPEG, all
// stamped with one session id.
type Opener struct {
	SessionID uuid.UUID
}

// NewOpener creates an opener for a new recording session.
func NewOpener() *Opener {
	return &Opener{SessionID: uuid.New()}
}

// Open implements sink.Opener.
func (o *Opener) Open(path string, p sink.Params) (sink.Sink, error) {
	if p.Format == FormatJPEG {
		return CreateJPEG(path)
	}
	return Create(path, p, o.SessionID)
}

// Remove deletes a file and its audio sidecar.
func (o *Opener) Remove(path string) error {
	err := os.Remove(path)
	for _, extra := range []string{stagingPath(path), AudioPath(path)} {
		if rmErr := os.Remove(extra); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
