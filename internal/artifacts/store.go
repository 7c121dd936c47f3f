// Package artifacts resolves a caller-supplied file reference to a local
// path inside the artifact store, verifying it really is an installable
// application package before it is uploaded into a sandbox.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// Store resolves file references against a root directory.
type Store struct {
	root string
}

// New creates a store rooted at the given directory.
func New(root string) *Store {
	return &Store{root: root}
}

// Resolve maps a file reference onto a local path, rejecting references
// that escape the root and files that are not application packages.
func (s *Store) Resolve(fileRef string) (string, error) {
	clean := filepath.Clean("/" + fileRef)
	path := filepath.Join(s.root, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: artifact %s", types.ErrNotFound, fileRef)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: artifact %s", types.ErrNotFound, fileRef)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot sniff artifact %s: %v", types.ErrArtifactInstall, fileRef, err)
	}
	if !isPackage(mtype) {
		return "", fmt.Errorf("%w: artifact %s is %s, not an application package",
			types.ErrArtifactInstall, fileRef, mtype.String())
	}
	return path, nil
}

// isPackage accepts zip-derived formats; application packages are zip
// archives with extra structure the sniffer may or may not recognize.
func isPackage(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("application/zip") || m.Is("application/jar") ||
			m.Is("application/vnd.android.package-archive") {
			return true
		}
	}
	return false
}
