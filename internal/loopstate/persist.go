package loopstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smile-run/smile/internal/errs"
)

// Version is the state file schema tag. A loaded file carrying any other
// value is treated as corrupted, never coerced.
const Version = 1

// Save writes the state to path atomically: the JSON is written to a sibling
// temp file and renamed over the target, so a crash mid-write leaves the
// previous valid file intact.
func Save(path string, st *LoopState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIO,
			fmt.Sprintf("failed to create state directory %q", dir),
			"Check directory permissions", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, "failed to serialize loop state", "", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindIO,
			fmt.Sprintf("failed to create temp state file in %q", dir),
			"Check directory permissions and free disk space", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, "failed to write state file", "Check free disk space", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, "failed to sync state file", "", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "failed to close temp state file", "", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(errs.KindIO,
			fmt.Sprintf("failed to replace state file %q", path),
			"Check directory permissions", err)
	}
	return nil
}

// Load reads the state at path. An absent file yields a fresh session; a
// present but unreadable, unparseable, or version-mismatched file is
// surfaced as corruption and never silently replaced.
func Load(path string) (*LoopState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, errs.Wrap(errs.KindIO,
			fmt.Sprintf("failed to read state file %q", path),
			"Check file permissions", err)
	}

	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errs.StateCorrupted(path, err)
	}
	if st.Version != Version {
		return nil, errs.StateCorrupted(path,
			fmt.Errorf("unsupported state version %d (expected %d)", st.Version, Version))
	}
	if st.MentorConsultations == nil {
		st.MentorConsultations = []MentorConsultation{}
	}
	if st.History == nil {
		st.History = []IterationRecord{}
	}
	return &st, nil
}
