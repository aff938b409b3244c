// Package paths centralizes the daemon's on-disk layout: the XDG-style
// config/data directories and the files and subdirectories beneath them.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the resolved set of directories and files the daemon reads
// and writes, derived once at startup from the environment.
type Layout struct {
	ConfigDir  string
	DataDir    string
	AssetsDir  string
	OverlayDir string
	SocketPath string
	KeyFile    string
	ConfigFile string

	// BundledDir holds the read-only defaults shipped alongside the
	// binary (an "overlay" and an "assets" subdirectory), consulted as
	// the second-choice static root behind the user's data directory.
	BundledDir string
}

// Default resolves the layout from XDG environment variables, falling back
// to the conventional per-user locations when they are unset.
func Default() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve home directory: %w", err)
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}

	configDir := filepath.Join(configHome, "tsrail")
	dataDir := filepath.Join(dataHome, "tsrail")

	l := Layout{
		ConfigDir:  configDir,
		DataDir:    dataDir,
		AssetsDir:  filepath.Join(dataDir, "assets"),
		OverlayDir: filepath.Join(dataDir, "overlay"),
		SocketPath: runtimeSocketPath(),
		KeyFile:    filepath.Join(configDir, "clientquery.key"),
		ConfigFile: filepath.Join(configDir, "config.json"),
		BundledDir: bundledDir(),
	}
	return l, nil
}

// bundledDir locates the read-only defaults shipped next to the binary,
// under a "share/tsraild" directory alongside the executable. Falls back
// to a path relative to the working directory when the executable's own
// path cannot be resolved.
func bundledDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("share", "tsraild")
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Join(filepath.Dir(resolved), "share", "tsraild")
}

// BundledOverlayDir is the fallback overlay root shipped with the binary.
func (l Layout) BundledOverlayDir() string { return filepath.Join(l.BundledDir, "overlay") }

// BundledAssetsDir is the fallback assets root shipped with the binary.
func (l Layout) BundledAssetsDir() string { return filepath.Join(l.BundledDir, "assets") }

func runtimeSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tsrail.sock")
	}
	return fmt.Sprintf("/run/user/%d/tsrail.sock", os.Getuid())
}

// EnsureDirs creates the config, data, assets, and overlay directories if
// they do not already exist.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ConfigDir, l.DataDir, l.AssetsDir, l.OverlayDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// UserAssetsDir returns the per-user asset directory path for uid. It does
// not create the directory; assets.EnsureUser creates and seeds it.
func (l Layout) UserAssetsDir(uid string) string {
	return filepath.Join(l.AssetsDir, "users", uid)
}

// ExampleAssetsDir is the template directory under the data assets root
// copied into a freshly created per-user asset directory (the bundled root
// has its own users/example, consulted as well).
func (l Layout) ExampleAssetsDir() string {
	return filepath.Join(l.AssetsDir, "users", "example")
}
