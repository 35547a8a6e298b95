package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReloadToken asks ConfigureDynamic to re-read the site's log config file.
const ReloadToken = "reload"

// FileConfig is the on-disk shape of a site log config file.
type FileConfig struct {
	Level string `yaml:"level"`
}

// ConfigureDynamic applies a log configuration at runtime. spec is one of:
//   - a level name (debug, info, warn, error)
//   - "reload", which re-reads reloadPath
//   - a path to a YAML log config file inside dirPath
//
// Errors are safe to return to a remote operator: they name the file's base
// name only and never carry file contents.
func ConfigureDynamic(spec, dirPath, reloadPath string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("empty log config")
	}

	if l, ok := ParseLevel(spec); ok {
		SetLevel(l)
		Get().Info("log level changed", "level", l.String())
		return nil
	}

	path := spec
	if spec == ReloadToken {
		if reloadPath == "" {
			return fmt.Errorf("no log config file to reload")
		}
		path = reloadPath
	} else {
		resolved, err := resolveInDir(dirPath, spec)
		if err != nil {
			return err
		}
		path = resolved
	}

	fc, err := readFileConfig(path)
	if err != nil {
		return err
	}
	l, ok := ParseLevel(fc.Level)
	if !ok {
		return fmt.Errorf("log config %s: invalid level %q", filepath.Base(path), fc.Level)
	}
	SetLevel(l)
	Get().Info("log config applied", "file", filepath.Base(path), "level", l.String())
	return nil
}

// resolveInDir joins a relative log config path onto dirPath, refusing
// absolute paths and anything that climbs out of dirPath.
func resolveInDir(dirPath, spec string) (string, error) {
	if filepath.IsAbs(spec) {
		return "", fmt.Errorf("log config %s must be relative to the site workspace", filepath.Base(spec))
	}
	path := filepath.Join(dirPath, spec)
	rel, err := filepath.Rel(dirPath, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("log config %s is outside the site workspace", filepath.Base(spec))
	}
	return path, nil
}

func readFileConfig(path string) (*FileConfig, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("log config %s not found", name)
		}
		Get().Warn("read log config failed", "file", path, "error", err)
		return nil, fmt.Errorf("invalid log config %s", name)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		Get().Warn("parse log config failed", "file", path, "error", err)
		return nil, fmt.Errorf("invalid log config %s", name)
	}
	return &fc, nil
}
