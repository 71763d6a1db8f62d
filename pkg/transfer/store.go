package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

const jobFileSuffix = ".job"

// Store persists transfer jobs as CBOR files, one per job, so interrupted
// transfers survive a process restart.
type Store struct {
	dir string
}

// NewStore creates (if needed) and opens a job store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(id [constants.SessionIDSize]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(id[:])+jobFileSuffix)
}

// Save writes the job record atomically.
func (s *Store) Save(job *Job) error {
	data, err := cbor.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}

	path := s.pathFor(job.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads one job record by id.
func (s *Store) Load(id [constants.SessionIDSize]byte) (*Job, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, verrors.NewProtocolError("job store load", verrors.ErrInvalidState)
		}
		return nil, err
	}

	var job Job
	if err := cbor.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job record: %w", err)
	}
	return &job, nil
}

// List returns all persisted jobs. Corrupt records are skipped.
func (s *Store) List() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var job Job
		if err := cbor.Unmarshal(data, &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Delete removes a job record. Deleting a missing record is not an error.
func (s *Store) Delete(id [constants.SessionIDSize]byte) error {
	err := os.Remove(s.pathFor(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
