package filesystem

import (
	"path/filepath"
	"strings"
)

// LocalPath converts a file:// URI or a relative path into an absolute
// local path.
func LocalPath(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file://")
	if strings.HasPrefix(p, "~/") {
		home, err := userHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[2:])
	}
	return filepath.Abs(p)
}
