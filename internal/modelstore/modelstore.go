// ============================================================================
// Model store
// ============================================================================
//
// Package: internal/modelstore
// File: modelstore.go
// Purpose: saved models under save_path/SID and chain working directories
//
// A saved model is complete only when every file in RequiredFiles exists.
//
//   Stage:    save_path/<dep>/  ──copy──▶  chain dir (CARDS rewritten, MODEL also as MODEL_OLD)
//   Retrieve: chain dir        ──copy──▶  save_path/<sid>.partial ──rename──▶ save_path/<sid>
//
// ============================================================================

package modelstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/postbox/pkg/types"
)

// CardsFile is the parameter file rewritten during staging.
const CardsFile = "CARDS"

// RequiredFiles is the file set that makes up a complete saved model.
var RequiredFiles = []string{
	"CARDS",
	"DATOM",
	"FEDAT",
	"FEDAT_FORMAL",
	"FGRID",
	"FORMAL_CARDS",
	"MODEL",
	"NEWDATOM_INPUT",
	"NEWFORMAL_CARDS_INPUT",
}

var (
	// ErrIncompleteModel indicates a model directory missing required files
	ErrIncompleteModel = errors.New("incomplete model")

	// ErrModelExists indicates a retrieve target already holds a model
	ErrModelExists = errors.New("model already saved")
)

// MissingFilesError lists the required files absent from Dir.
type MissingFilesError struct {
	Dir     string
	Missing []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("model %s missing files: %s", e.Dir, strings.Join(e.Missing, ", "))
}

func (e *MissingFilesError) Unwrap() error {
	return ErrIncompleteModel
}

// Store resolves model and chain directories.
type Store struct {
	savePath   string
	wrdataPath string
}

// New creates a store. wrdataPath contains "{}" where the chain number goes.
func New(savePath, wrdataPath string) *Store {
	return &Store{savePath: savePath, wrdataPath: wrdataPath}
}

// ModelDir returns save_path/SID.
func (s *Store) ModelDir(sid types.SID) string {
	return filepath.Join(s.savePath, sid.String())
}

// ChainDir returns the working directory of a chain.
func (s *Store) ChainDir(chain types.ChainID) string {
	return strings.ReplaceAll(s.wrdataPath, "{}", chain.String())
}

// Verify checks that every required file of a saved model exists.
func (s *Store) Verify(sid types.SID) error {
	return verifyDir(s.ModelDir(sid))
}

// Exists reports whether save_path/SID exists at all, complete or not.
func (s *Store) Exists(sid types.SID) bool {
	st, err := os.Stat(s.ModelDir(sid))
	return err == nil && st.IsDir()
}

func verifyDir(dir string) error {
	var missing []string
	for _, name := range RequiredFiles {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !st.Mode().IsRegular() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingFilesError{Dir: dir, Missing: missing}
	}
	return nil
}

// ReadCards returns the CARDS file of a saved model.
func (s *Store) ReadCards(sid types.SID) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.ModelDir(sid), CardsFile))
	if err != nil {
		return nil, fmt.Errorf("read cards of %s: %w", sid, err)
	}
	return data, nil
}

// Stage loads the model saved under dep into a chain's working directory.
// The chain directory is emptied first; cards replaces the copied CARDS.
func (s *Store) Stage(dep types.SID, chain types.ChainID, cards []byte) error {
	src := s.ModelDir(dep)
	if err := verifyDir(src); err != nil {
		return err
	}

	dst := s.ChainDir(chain)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create chain dir %s: %w", dst, err)
	}
	if err := clearDir(dst); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dst, CardsFile), cards, 0o644); err != nil {
		return fmt.Errorf("write cards: %w", err)
	}
	for _, name := range RequiredFiles {
		if name == CardsFile {
			continue
		}
		if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return copyFile(filepath.Join(src, "MODEL"), filepath.Join(dst, "MODEL_OLD"))
}

// Retrieve saves the converged model of chain as save_path/sid.
// Files are gathered in a sibling ".partial" directory and renamed into
// place, so an interrupted retrieve never leaves a half-filled model dir.
func (s *Store) Retrieve(chain types.ChainID, sid types.SID) error {
	src := s.ChainDir(chain)
	if err := verifyDir(src); err != nil {
		return err
	}

	dst := s.ModelDir(sid)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrModelExists, dst)
	}

	partial := dst + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return fmt.Errorf("remove stale %s: %w", partial, err)
	}
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}
	for _, name := range RequiredFiles {
		if err := copyFile(filepath.Join(src, name), filepath.Join(partial, name)); err != nil {
			_ = os.RemoveAll(partial)
			return err
		}
	}
	if err := os.Rename(partial, dst); err != nil {
		_ = os.RemoveAll(partial)
		return fmt.Errorf("publish model %s: %w", dst, err)
	}
	return nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read chain dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear chain dir %s: %w", dir, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	perm := fs.FileMode(0o644)
	if st, err := in.Stat(); err == nil {
		perm = st.Mode().Perm()
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return nil
}
