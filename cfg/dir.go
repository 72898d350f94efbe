// Package cfg locates the default configuration/output directory for the
// CLI. There is no backend to authenticate against here, so this only
// covers directory resolution (see DESIGN.md).
package cfg

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/flowcap/flowcap/printer"
)

var cfgDir string

func initCfgDir() {
	home, err := homedir.Dir()
	if err != nil {
		printer.Stderr.Warningf("Failed to find $HOME, defaulting to '.', error: %v", err)
		home = "."
	}
	cfgDir = filepath.Join(home, ".flowcap")

	if stat, err := os.Stat(cfgDir); os.IsNotExist(err) {
		if err := os.Mkdir(cfgDir, 0700); err != nil {
			printer.Stderr.Warningf("Failed to create config directory %s, persistent config will not work, error: %v\n", cfgDir, err)
		}
	} else if err != nil {
		printer.Stderr.Errorf("Failed to stat %s: %v\n", cfgDir, err)
		os.Exit(1)
	} else if !stat.IsDir() {
		printer.Stderr.Errorf("%s is not a directory, please remove.\n", cfgDir)
		os.Exit(1)
	}
}

// Dir returns flowcap's default configuration directory ($HOME/.flowcap),
// creating it on first use.
func Dir() string {
	if cfgDir == "" {
		initCfgDir()
	}
	return cfgDir
}

// DefaultOutDir returns the directory the reassemble command writes to
// when --out-dir isn't given: a named subdirectory of captures under Dir().
func DefaultOutDir(name string) string {
	return filepath.Join(Dir(), "captures", name)
}
