// Package assets resolves per-user avatar files and seeds freshly created
// user directories from the bundled example templates.
package assets

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/h4rm0n1c/tsraild/internal/paths"
)

// avatarExtensions is the extension search order for avatar.<ext> and
// avatar_talk.<ext>; the first file found on disk wins.
var avatarExtensions = []string{"svg", "png", "apng", "gif", "webp", "avif"}

// Set is the resolved, root-relative asset URLs for one user, as carried
// in the HTTP state snapshot.
type Set struct {
	AvatarIdle string
	AvatarTalk string
	FrameIdle  string
	FrameTalk  string
}

// Resolve returns the asset URL set for uid. EnsureUser should be called
// at least once per uid before Resolve so freshly-seen users get their
// directory populated from the example defaults.
func Resolve(layout paths.Layout, uid string) Set {
	return Set{
		AvatarIdle: findAvatar(layout, uid, "avatar"),
		AvatarTalk: findAvatar(layout, uid, "avatar_talk"),
		FrameIdle:  "/assets/frames/monitor_idle.svg",
		FrameTalk:  "/assets/frames/monitor_talk.svg",
	}
}

func findAvatar(layout paths.Layout, uid, stem string) string {
	userDir := layout.UserAssetsDir(uid)
	bundledDir := filepath.Join(layout.BundledAssetsDir(), "users", uid)
	for _, ext := range avatarExtensions {
		name := stem + "." + ext
		if fileExists(filepath.Join(userDir, name)) || fileExists(filepath.Join(bundledDir, name)) {
			return fmt.Sprintf("/assets/users/%s/%s", uid, name)
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EnsureUser creates the per-user asset directory if it does not already
// exist, seeding it from users/example in both the data and bundled asset
// roots so a brand new participant starts with a usable placeholder.
func EnsureUser(layout paths.Layout, uid string) error {
	dir := layout.UserAssetsDir(uid)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	for _, exampleDir := range []string{
		layout.ExampleAssetsDir(),
		filepath.Join(layout.BundledAssetsDir(), "users", "example"),
	} {
		copyDefaults(exampleDir, dir)
	}
	return nil
}

// copyDefaults best-effort copies every regular file from src into dst,
// logging but not failing the caller on individual read/write errors.
func copyDefaults(src, dst string) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			slog.Warn("copy default asset failed", "src", src, "name", entry.Name(), "err", err)
		}
	}
}

func copyFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
