package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/fedctl/internal/config"
	"github.com/mattjoyce/fedctl/internal/log"
)

// Component is a verified component file ready for the site to use.
type Component struct {
	ID   string
	Path string
}

// BuildComponents verifies every configured component and records failures
// in the returned StartupContext. A digest mismatch or a file others can
// write is unsafe; a missing file is an ordinary failure.
func BuildComponents(cfg *config.Config) ([]Component, *StartupContext) {
	sc := &StartupContext{IdentityName: cfg.Site.Name, Exceptions: make(map[string]error)}
	logger := log.WithSite(cfg.Site.Name)

	var built []Component
	for _, cc := range cfg.Components {
		if err := verifyComponent(cc); err != nil {
			sc.Exceptions[cc.ID] = err
			logger.Warn("component rejected", "component", cc.ID, "error", err)
			continue
		}
		built = append(built, Component{ID: cc.ID, Path: cc.Path})
	}
	return built, sc
}

func verifyComponent(cc config.ComponentConfig) error {
	info, err := os.Stat(cc.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("component file %s not found", filepath.Base(cc.Path))
		}
		return fmt.Errorf("stat component: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("component path %s is a directory", filepath.Base(cc.Path))
	}
	if info.Mode().Perm()&0o002 != 0 {
		return &UnsafeComponentError{Component: cc.ID, Reason: "file is writable by others"}
	}
	if cc.Digest != "" {
		if err := config.VerifyFileHash(cc.Path, cc.Digest); err != nil {
			return &UnsafeComponentError{Component: cc.ID, Reason: err.Error()}
		}
	}
	return nil
}
