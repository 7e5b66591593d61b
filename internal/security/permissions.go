// internal/security/permissions.go
package security

import (
	"fmt"
	"io/fs"
	"os"
)

// PermissionError reports a recipes directory or recipe file that other
// users can tamper with or read.
type PermissionError struct {
	Path   string
	Mode   fs.FileMode
	Reason string
	Want   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s %s (mode %04o), expected %s", e.Path, e.Reason, e.Mode, e.Want)
}

// ValidateDirectoryPermissions rejects a recipes directory that group or
// other can write to. Recipes carry table credentials and choose where
// records are sent.
func ValidateDirectoryPermissions(path string) error {
	mode, err := permOf(path, true)
	if err != nil {
		return err
	}
	switch {
	case mode&0002 != 0:
		return &PermissionError{Path: path, Mode: mode, Reason: "is world-writable", Want: "0700 or 0750"}
	case mode&0020 != 0:
		return &PermissionError{Path: path, Mode: mode, Reason: "is group-writable", Want: "0700 or 0750"}
	}
	return nil
}

// ValidateRecipeFile rejects a recipe file that anyone but its owner can
// access.
func ValidateRecipeFile(path string) error {
	mode, err := permOf(path, false)
	if err != nil {
		return err
	}
	if mode&0077 != 0 {
		return &PermissionError{Path: path, Mode: mode, Reason: "is accessible by other users", Want: "0600"}
	}
	return nil
}

func permOf(path string, wantDir bool) (fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("checking permissions: %w", err)
	}
	if info.IsDir() != wantDir {
		if wantDir {
			return 0, fmt.Errorf("%s is not a directory", path)
		}
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Mode().Perm(), nil
}
