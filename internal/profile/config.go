// Package profile implements declarative import profiles: the configuration
// describing how designs are detected inside folder trees, plus the detection
// engine itself. The engine operates on an abstract folder tree so the same
// rules apply to local folders and to virtual trees built from cloud-drive
// listings.
package profile

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Structure controls where model files are counted.
type Structure string

const (
	StructureFlat   Structure = "flat"
	StructureNested Structure = "nested"
	StructureAuto   Structure = "auto"
)

// TitleSource selects which path element titles come from.
type TitleSource string

const (
	TitleFolderName   TitleSource = "folder_name"
	TitleParentFolder TitleSource = "parent_folder"
	TitleFilename     TitleSource = "filename"
)

// CaseTransform post-processes extracted titles.
type CaseTransform string

const (
	CaseNone  CaseTransform = "none"
	CaseTitle CaseTransform = "title"
	CaseLower CaseTransform = "lower"
	CaseUpper CaseTransform = "upper"
)

type (
	// Config is a profile's full ruleset. The zero value of each group gets
	// sensible defaults from Normalize.
	Config struct {
		Detection DetectionConfig `json:"detection" yaml:"detection"`
		Title     TitleConfig     `json:"title" yaml:"title"`
		Preview   PreviewConfig   `json:"preview" yaml:"preview"`
		Ignore    IgnoreConfig    `json:"ignore" yaml:"ignore"`
		AutoTags  AutoTagsConfig  `json:"auto_tags" yaml:"auto_tags"`
	}

	// DetectionConfig controls what makes a folder a design.
	DetectionConfig struct {
		ModelExtensions      []string  `json:"model_extensions" yaml:"model_extensions"`
		ArchiveExtensions    []string  `json:"archive_extensions" yaml:"archive_extensions"`
		MinModelFiles        int       `json:"min_model_files" yaml:"min_model_files"`
		Structure            Structure `json:"structure" yaml:"structure"`
		ModelSubfolders      []string  `json:"model_subfolders" yaml:"model_subfolders"`
		RequirePreviewFolder bool      `json:"require_preview_folder" yaml:"require_preview_folder"`
		// DesignDepth, when set, marks folders at exactly this depth below
		// the scan root as designs (if their subtree holds any model or
		// archive). Depth-based mode short-circuits normal traversal.
		DesignDepth *int `json:"design_depth,omitempty" yaml:"design_depth"`
	}

	// TitleConfig controls title extraction.
	TitleConfig struct {
		Source        TitleSource   `json:"source" yaml:"source"`
		StripPatterns []string      `json:"strip_patterns" yaml:"strip_patterns"`
		CaseTransform CaseTransform `json:"case_transform" yaml:"case_transform"`
	}

	// PreviewConfig controls which files count as previews.
	PreviewConfig struct {
		Folders         []string `json:"folders" yaml:"folders"`
		WildcardFolders []string `json:"wildcard_folders" yaml:"wildcard_folders"`
		Extensions      []string `json:"extensions" yaml:"extensions"`
		IncludeRoot     bool     `json:"include_root" yaml:"include_root"`
	}

	// IgnoreConfig excludes folders and files from consideration.
	IgnoreConfig struct {
		Folders    []string `json:"folders" yaml:"folders"`
		Extensions []string `json:"extensions" yaml:"extensions"`
		Patterns   []string `json:"patterns" yaml:"patterns"`
	}

	// AutoTagsConfig derives tags from folder structure.
	AutoTagsConfig struct {
		FromSubfolders  bool     `json:"from_subfolders" yaml:"from_subfolders"`
		SubfolderLevels int      `json:"subfolder_levels" yaml:"subfolder_levels"`
		StripPatterns   []string `json:"strip_patterns" yaml:"strip_patterns"`
		FromFilename    bool     `json:"from_filename" yaml:"from_filename"`
	}
)

//go:embed schema.json
var schemaJSON []byte

// DefaultModelExtensions are recognised model file extensions (no dot).
func DefaultModelExtensions() []string {
	return []string{"stl", "3mf", "obj", "step", "stp"}
}

// DefaultArchiveExtensions are recognised archive extensions (no dot).
func DefaultArchiveExtensions() []string {
	return []string{"zip", "rar", "7z", "tar", "gz"}
}

// DefaultPreviewExtensions are recognised preview image extensions (no dot).
func DefaultPreviewExtensions() []string {
	return []string{"jpg", "jpeg", "png", "gif", "webp"}
}

// Normalize fills defaults into a parsed config.
func (c *Config) Normalize() {
	if len(c.Detection.ModelExtensions) == 0 {
		c.Detection.ModelExtensions = DefaultModelExtensions()
	}
	if len(c.Detection.ArchiveExtensions) == 0 {
		c.Detection.ArchiveExtensions = DefaultArchiveExtensions()
	}
	if c.Detection.MinModelFiles <= 0 {
		c.Detection.MinModelFiles = 1
	}
	if c.Detection.Structure == "" {
		c.Detection.Structure = StructureAuto
	}
	if c.Title.Source == "" {
		c.Title.Source = TitleFolderName
	}
	if c.Title.CaseTransform == "" {
		c.Title.CaseTransform = CaseNone
	}
	if len(c.Preview.Extensions) == 0 {
		c.Preview.Extensions = DefaultPreviewExtensions()
	}
}

// ParseConfig validates raw JSON against the profile schema and decodes it.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("parse profile config: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return cfg, fmt.Errorf("invalid profile config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode profile config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func validateSchema(doc any) error {
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("profile.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("profile.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(doc)
}

// MarshalConfig encodes a config for storage.
func MarshalConfig(cfg Config) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
