package security

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func ParseCSV(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimSpace(r)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NormalizeRoots resolves each root to a clean absolute path. Every root
// must be an existing directory.
func NormalizeRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		real, err := ResolveDir(root)
		if err != nil {
			return nil, fmt.Errorf("invalid allow root: %w", err)
		}
		out = append(out, real)
	}
	return out, nil
}

// ResolveDir returns the absolute, symlink-free form of dir, which must be
// an existing directory. "~" expands to the home directory.
func ResolveDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("directory required")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", errors.New(abs + " is not a directory")
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		real = abs
	}
	return filepath.Clean(real), nil
}

// ValidateCWD checks that cwd lies inside one of roots. An empty roots list
// allows any directory.
func ValidateCWD(cwd string, roots []string) error {
	real, err := ResolveDir(cwd)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return nil
	}
	for _, root := range roots {
		rel, err := filepath.Rel(root, real)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return nil
		}
	}
	return errors.New("cwd not in allow roots")
}

// ExtraBinDirs lists install locations that are often missing from PATH
// when the agent runs outside a login shell.
func ExtraBinDirs(home string) []string {
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if home != "" {
		dirs = append([]string{
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".claude", "local"),
		}, dirs...)
	}
	return dirs
}

// FindExecutable looks name up on PATH and then in extraDirs. It returns
// the absolute path of the first executable match.
func FindExecutable(name string, extraDirs []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return filepath.Abs(name)
		}
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	if p, err := exec.LookPath(name); err == nil {
		return filepath.Abs(p)
	}
	for _, dir := range extraDirs {
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Mode().Perm()&0o111 != 0
}

// PrependPath returns pathEnv with the existing dirs placed first, skipping
// any already present.
func PrependPath(pathEnv string, dirs []string) string {
	have := make(map[string]struct{})
	for _, p := range filepath.SplitList(pathEnv) {
		have[p] = struct{}{}
	}
	var add []string
	for _, d := range dirs {
		if _, ok := have[d]; ok {
			continue
		}
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			continue
		}
		have[d] = struct{}{}
		add = append(add, d)
	}
	if len(add) == 0 {
		return pathEnv
	}
	if pathEnv == "" {
		return strings.Join(add, string(os.PathListSeparator))
	}
	return strings.Join(add, string(os.PathListSeparator)) + string(os.PathListSeparator) + pathEnv
}
