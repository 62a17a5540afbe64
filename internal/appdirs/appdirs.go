package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "wireloop"
)

func DataDir() (string, error) {
	if override := os.Getenv("WIRELOOP_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

func BrainDir(dataDir string) string {
	return filepath.Join(dataDir, "brain")
}
