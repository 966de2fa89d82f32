package p2p

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxNameAttempts = 100

// SaveTransfer writes a completed transfer into dir and returns the file's path.
// Only the base name of the offered file is used; names that would leave dir fall
// back to the session id. Existing files are never overwritten: a numbered suffix
// is added instead.
func SaveTransfer(dir string, tr Transfer) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := safeName(tr.Meta.Name)
	if name == "" {
		name = safeName(tr.SessionID)
	}
	if name == "" {
		return "", errors.New("transfer has no usable file name")
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(tr.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}

// safeName reduces an offered name to a plain file name, or "" when nothing usable is left.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	switch name {
	case ".", "..", string(filepath.Separator), "":
		return ""
	}
	return name
}
