package spawn

import (
	"os"
	"path/filepath"
	"strings"
)

var defaultSafeDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/homebrew/bin",
}

// EnvPrefix marks variables that describe one worker's wiring. They are never
// inherited by a grandchild, so a report worker cannot pick up the settings
// its project worker was started with.
const EnvPrefix = "SCHEDD_WORKER_"

// EnvBroker carries the broker address to a project worker.
const EnvBroker = EnvPrefix + "BROKER"

// workerEnv builds a child environment: the parent's variables minus any
// inherited worker wiring, PATH restricted to directories that are not
// group or world writable, then extra.
func workerEnv(extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, entry := range os.Environ() {
		if strings.HasPrefix(entry, EnvPrefix) || strings.HasPrefix(entry, "PATH=") {
			continue
		}
		env = append(env, entry)
	}
	if dirs := safePathDirs(); len(dirs) > 0 {
		env = append(env, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
	}
	return append(env, extra...)
}

func safePathDirs() []string {
	seen := make(map[string]struct{})
	dirs := make([]string, 0, len(defaultSafeDirs))

	add := func(dir string) {
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, dir := range defaultSafeDirs {
		add(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	return dirs
}
