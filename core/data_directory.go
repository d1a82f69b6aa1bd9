package core

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the application name used in data directory paths.
const AppName = "txt2img"

// EnvDataDir overrides the data directory.
const EnvDataDir = "TXT2IMG_HOME"

// GetDataDirectory returns the platform-specific data directory holding the
// log file and the history database.
//
// Paths by platform:
//   - TXT2IMG_HOME when set
//   - Windows: %APPDATA%/txt2img
//   - Linux/macOS: ~/.txt2img
//
// Does NOT create the directory - callers should use EnsureDataDirectory for that.
func GetDataDirectory() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

// GetDataFilePath returns the full path for a file within the data directory.
// Example: GetDataFilePath("history.db") -> "/home/user/.txt2img/history.db"
func GetDataFilePath(filename string) string {
	return filepath.Join(GetDataDirectory(), filename)
}

// EnsureDataDirectory creates the data directory if it doesn't exist.
func EnsureDataDirectory() (string, error) {
	dir := GetDataDirectory()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
