package profile

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/printvault/printvault/internal/catalog"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// BuiltinProfile is one embedded profile definition.
type BuiltinProfile struct {
	Identifier  string `yaml:"identifier"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Config      Config `yaml:"config"`
}

// Builtins parses the embedded built-in profile definitions.
func Builtins() ([]BuiltinProfile, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	out := make([]BuiltinProfile, 0, len(entries))
	for _, e := range entries {
		raw, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, err
		}
		var bp BuiltinProfile
		if err := yaml.Unmarshal(raw, &bp); err != nil {
			return nil, fmt.Errorf("parse built-in profile %s: %w", e.Name(), err)
		}
		if bp.Identifier == "" {
			return nil, fmt.Errorf("built-in profile %s: missing identifier", e.Name())
		}
		bp.Config.Normalize()
		out = append(out, bp)
	}
	return out, nil
}

// Seed upserts the embedded built-in profiles so shipped configs stay current
// across upgrades. Called once at startup.
func Seed(ctx context.Context, store *catalog.Store) error {
	bps, err := Builtins()
	if err != nil {
		return err
	}
	for _, bp := range bps {
		cfg, err := MarshalConfig(bp.Config)
		if err != nil {
			return fmt.Errorf("encode built-in profile %s: %w", bp.Identifier, err)
		}
		p := &catalog.ImportProfile{
			Identifier:  bp.Identifier,
			Name:        bp.Name,
			Description: bp.Description,
			Config:      cfg,
		}
		if err := store.UpsertBuiltinProfile(ctx, p); err != nil {
			return fmt.Errorf("seed built-in profile %s: %w", bp.Identifier, err)
		}
	}
	return nil
}
