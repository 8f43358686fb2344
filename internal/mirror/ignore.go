package mirror

import (
	"bufio"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const (
	// IgnoreFileName holds extra gitignore style rules at the top of the local root.
	IgnoreFileName = ".mirrorignore"

	// LockFileName is the process lock kept in the local root.
	LockFileName = ".cloudmirror.lock"

	tempFileMarker = ".cloudmirror-tmp-"
)

var defaultIgnoreLines = []string{
	// cloudmirror
	LockFileName,
	"*" + tempFileMarker + "*",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// editors
	"*.swp",
	"~\\$*",
}

// IgnoreList decides which local paths never take part in mirroring. A nil list ignores
// nothing. Load may run while other goroutines match paths.
type IgnoreList struct {
	fs      afero.Fs
	baseDir string
	ignore  atomic.Pointer[gitignore.GitIgnore]
}

func NewIgnoreList(fsys afero.Fs, baseDir string) *IgnoreList {
	s := &IgnoreList{
		fs:      fsys,
		baseDir: filepath.Clean(baseDir),
	}
	s.ignore.Store(gitignore.CompileIgnoreLines(defaultIgnoreLines...))
	return s
}

// Load compiles the default rules together with the rules found in the ignore file,
// replacing the rules in use.
func (s *IgnoreList) Load() {
	if s == nil {
		return
	}
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	file, err := s.fs.Open(ignorePath)
	if err == nil {
		defer file.Close()

		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ignoreLines = append(ignoreLines, line)
			rules++
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
		}
	}

	s.ignore.Store(gitignore.CompileIgnoreLines(ignoreLines...))
}

// ShouldIgnore reports whether the local file path matches an ignore rule. The base
// directory itself is never ignored.
func (s *IgnoreList) ShouldIgnore(localPath string) bool {
	rel, ok := s.rel(localPath)
	return ok && s.ignore.Load().MatchesPath(rel)
}

// ShouldIgnoreDir is ShouldIgnore for directories, which also match rules ending in "/".
func (s *IgnoreList) ShouldIgnoreDir(localPath string) bool {
	rel, ok := s.rel(localPath)
	if !ok {
		return false
	}
	rules := s.ignore.Load()
	return rules.MatchesPath(rel) || rules.MatchesPath(rel+"/")
}

func (s *IgnoreList) rel(localPath string) (string, bool) {
	if s == nil {
		return "", false
	}
	rel, err := filepath.Rel(s.baseDir, localPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
