package workspace

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/zczc/nano-agent-team/internal/lockfile"
	"github.com/zczc/nano-agent-team/pkg/models"
)

const stateLockTimeout = time.Duration(models.DefaultLockTimeoutSecs) * time.Second

// LoadState reads the round state file under a shared lock. A missing file
// reads as the zero state: no round has ever run.
func (m *Manager) LoadState() (models.RoundState, error) {
	var st models.RoundState
	err := lockfile.WithShared(m.StatePath, stateLockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &st)
	})
	if errors.Is(err, os.ErrNotExist) {
		return models.RoundState{}, nil
	}
	if err != nil {
		return models.RoundState{}, err
	}
	return st, nil
}

// UpdateState applies fn to the state under the exclusive lock and writes
// the result back, read-modify-write like the registry.
func (m *Manager) UpdateState(fn func(st *models.RoundState)) error {
	return lockfile.WithExclusive(m.StatePath, stateLockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		var st models.RoundState
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &st); err != nil {
				return err
			}
		}
		fn(&st)
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err = f.Write(out)
		return err
	})
}
