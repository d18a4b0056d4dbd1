// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package xdg locates authcore's per-user configuration under the XDG Base
// Directory layout.
package xdg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const (
	appName        = "authcore"
	configFileName = "config.yaml"
)

// ConfigDir returns $XDG_CONFIG_HOME/authcore, falling back to ~/.config/authcore.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", oops.Code("XDG_NO_HOME").Wrap(err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// ConfigFile returns the path of the per-user config file and whether it exists.
func ConfigFile() (string, bool, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", false, err
	}
	path := filepath.Join(dir, configFileName)
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return path, false, nil
	case err != nil:
		return path, false, oops.Code("XDG_STAT_FAILED").With("path", path).Wrap(err)
	case info.IsDir():
		return path, false, oops.Code("XDG_STAT_FAILED").With("path", path).Errorf("config path is a directory")
	}
	return path, true, nil
}
