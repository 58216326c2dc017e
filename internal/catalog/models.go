// Package catalog defines the persistent entity model of the pipeline and a
// GORM-backed store exposing the queries the workers and the REST surface
// need. All access goes through the Store; entities hold foreign-key ids, not
// object references, so ownership stays acyclic.
package catalog

import "time"

// DownloadMode controls how a channel turns ingested designs into download jobs.
type DownloadMode string

const (
	// ModeManual never auto-enqueues downloads.
	ModeManual DownloadMode = "manual"
	// ModeDownloadAllNew downloads designs created after the mode was enabled.
	ModeDownloadAllNew DownloadMode = "download_all_new"
	// ModeDownloadAll downloads every design ingested from the channel.
	ModeDownloadAll DownloadMode = "download_all"
)

// DesignStatus is the lifecycle state of a Design.
type DesignStatus string

const (
	DesignDiscovered  DesignStatus = "discovered"
	DesignWanted      DesignStatus = "wanted"
	DesignDownloading DesignStatus = "downloading"
	DesignDownloaded  DesignStatus = "downloaded"
	DesignExtracting  DesignStatus = "extracting"
	DesignExtracted   DesignStatus = "extracted"
	DesignImporting   DesignStatus = "importing"
	DesignOrganized   DesignStatus = "organized"
	DesignFailed      DesignStatus = "failed"
	DesignDeleted     DesignStatus = "deleted"
)

// AttachmentType classifies a message attachment.
type AttachmentType string

const (
	AttachmentPhoto    AttachmentType = "photo"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
	AttachmentOther    AttachmentType = "other"
)

// DownloadStatus tracks attachment download progress.
type DownloadStatus string

const (
	DownloadNone        DownloadStatus = "none"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadDownloaded  DownloadStatus = "downloaded"
	DownloadFailed      DownloadStatus = "failed"
)

// FileKind classifies a DesignFile.
type FileKind string

const (
	FileModel   FileKind = "model"
	FileArchive FileKind = "archive"
	FileImage   FileKind = "image"
	FileOther   FileKind = "other"
)

// ModelKind identifies the 3D model format of a DesignFile.
type ModelKind string

const (
	ModelSTL     ModelKind = "stl"
	ModelThreeMF ModelKind = "3mf"
	ModelOBJ     ModelKind = "obj"
	ModelSTEP    ModelKind = "step"
	ModelUnknown ModelKind = "unknown"
)

// PreviewSource identifies where a preview image came from. Lower render
// priority numbers win the primary slot (see preview.AutoSelectPrimary).
type PreviewSource string

const (
	PreviewRendered    PreviewSource = "rendered"
	PreviewEmbedded3MF PreviewSource = "embedded"
	PreviewArchive     PreviewSource = "archive"
	PreviewThangs      PreviewSource = "thangs"
	PreviewTelegram    PreviewSource = "telegram"
)

// PreviewKind classifies the stored image.
type PreviewKind string

const (
	PreviewThumbnail PreviewKind = "thumbnail"
	PreviewFull      PreviewKind = "full"
	PreviewGallery   PreviewKind = "gallery"
)

// ImportSourceType enumerates the user-declared feed kinds.
type ImportSourceType string

const (
	SourceBulkFolder  ImportSourceType = "bulk_folder"
	SourceGoogleDrive ImportSourceType = "google_drive"
	SourcePhpBB       ImportSourceType = "phpbb"
)

// ImportSourceStatus is the health state of an ImportSource.
type ImportSourceStatus string

const (
	SourceActive ImportSourceStatus = "active"
	SourceError  ImportSourceStatus = "error"
	SourcePaused ImportSourceStatus = "paused"
)

// ImportRecordStatus is the lifecycle state of an ImportRecord.
type ImportRecordStatus string

const (
	RecordPending   ImportRecordStatus = "pending"
	RecordImporting ImportRecordStatus = "importing"
	RecordImported  ImportRecordStatus = "imported"
	RecordSkipped   ImportRecordStatus = "skipped"
	RecordError     ImportRecordStatus = "error"
)

// JobType enumerates every kind of queued work.
type JobType string

const (
	JobDownloadDesign         JobType = "download_design"
	JobExtractArchive         JobType = "extract_archive"
	JobImportToLibrary        JobType = "import_to_library"
	JobGenerateRender         JobType = "generate_render"
	JobDownloadTelegramImages JobType = "download_telegram_images"
	JobAIAnalyze              JobType = "ai_analyze"
	JobSyncImportSource       JobType = "sync_import_source"
	JobDownloadImportRecord   JobType = "download_import_record"
)

// DesignJobTypes lists the job types that carry a design reference. Terminal
// failure of one of these advances the owning design to failed.
func DesignJobTypes() []JobType {
	return []JobType{
		JobDownloadDesign, JobExtractArchive, JobImportToLibrary,
		JobGenerateRender, JobDownloadTelegramImages, JobAIAnalyze,
	}
}

// JobStatus is the queue state of a Job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// DuplicateStatus is the review state of a DuplicateCandidate.
type DuplicateStatus string

const (
	DuplicatePending  DuplicateStatus = "pending"
	DuplicateMerged   DuplicateStatus = "merged"
	DuplicateRejected DuplicateStatus = "rejected"
)

// MetadataAuthority records who owns a design's title/designer metadata.
type MetadataAuthority string

const (
	AuthorityIngest MetadataAuthority = "ingest"
	AuthorityUser   MetadataAuthority = "user"
)

// TagSource records how a tag got attached to a design.
type TagSource string

const (
	TagUser   TagSource = "user"
	TagAutoAI TagSource = "auto_ai"
)

// DiscoverySourceType records how a discovered channel was referenced.
type DiscoverySourceType string

const (
	DiscoveryForward     DiscoverySourceType = "forward"
	DiscoveryCaptionLink DiscoverySourceType = "caption_link"
	DiscoveryTextLink    DiscoverySourceType = "text_link"
	DiscoveryMention     DiscoverySourceType = "mention"
)

// Channel is an upstream Telegram content source.
type Channel struct {
	ID       int64  `gorm:"primaryKey"`
	PeerID   string `gorm:"uniqueIndex;size:64"`
	Username string `gorm:"index;size:128"`
	Title    string `gorm:"size:256"`

	Enabled               bool
	DownloadMode          DownloadMode `gorm:"size:32;default:manual"`
	DownloadModeEnabledAt *time.Time
	TemplateOverride      string `gorm:"size:512"`

	LastIngestedMessageID int64
	LastSyncAt            *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one post within a Channel, unique per (channel, upstream id).
type Message struct {
	ID                int64 `gorm:"primaryKey"`
	ChannelID         int64 `gorm:"index;uniqueIndex:ux_channel_msg,priority:1"`
	UpstreamMessageID int64 `gorm:"uniqueIndex:ux_channel_msg,priority:2"`

	Caption           string
	CaptionNormalized string `gorm:"index"`
	Author            string `gorm:"size:256"`
	PostedAt          time.Time

	ForwardFromPeerID   string `gorm:"size:64"`
	ForwardFromTitle    string `gorm:"size:256"`
	ForwardFromUsername string `gorm:"size:128"`

	CreatedAt time.Time
}

// Attachment is a media item of a Message.
type Attachment struct {
	ID        int64 `gorm:"primaryKey"`
	MessageID int64 `gorm:"index"`

	Type     AttachmentType `gorm:"size:16"`
	Filename string         `gorm:"size:512"`
	Ext      string         `gorm:"size:32"`
	Size     int64
	MimeType string `gorm:"size:128"`

	UpstreamFileID        string `gorm:"size:256"`
	IsCandidateDesignFile bool
	DownloadStatus        DownloadStatus `gorm:"size:16;default:none"`
	ContentHash           string         `gorm:"size:64;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Design is the catalog entity for one printable model.
type Design struct {
	ID int64 `gorm:"primaryKey"`

	Title       string `gorm:"size:512;index"`
	Designer    string `gorm:"size:256;index"`
	Description string
	Authority   MetadataAuthority `gorm:"size:16;default:ingest"`

	Status           DesignStatus `gorm:"size:16;index;default:discovered"`
	TotalSizeBytes   int64
	PrimaryFileTypes string `gorm:"size:256"` // comma-joined distinct extensions
	Multicolor       string `gorm:"size:16;default:unknown"`
	LibraryPath      string `gorm:"size:1024"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DesignSource links a Design to one origin: a Message or an ImportRecord.
// Merging designs moves sources, never discards them.
type DesignSource struct {
	ID       int64 `gorm:"primaryKey"`
	DesignID int64 `gorm:"index"`

	MessageID      *int64 `gorm:"index"`
	ImportRecordID *int64 `gorm:"index"`

	Rank        int
	IsPreferred bool

	CreatedAt time.Time
}

// DesignFile is one physical file belonging to a Design.
type DesignFile struct {
	ID       int64 `gorm:"primaryKey"`
	DesignID int64 `gorm:"index"`

	RelativePath  string `gorm:"size:1024"`
	Filename      string `gorm:"size:512"`
	Ext           string `gorm:"size:32"`
	SizeBytes     int64
	SHA256        string    `gorm:"size:64;index"`
	Kind          FileKind  `gorm:"size:16"`
	ModelKind     ModelKind `gorm:"size:16;default:unknown"`
	IsFromArchive bool

	CreatedAt time.Time
}

// PreviewAsset is one stored preview image of a Design. At most one asset per
// design has IsPrimary set.
type PreviewAsset struct {
	ID       int64 `gorm:"primaryKey"`
	DesignID int64 `gorm:"index"`

	Source         PreviewSource `gorm:"size:16"`
	Kind           PreviewKind   `gorm:"size:16;default:thumbnail"`
	Path           string        `gorm:"size:1024"`
	SizeBytes      int64
	Width          int
	Height         int
	UpstreamFileID string `gorm:"size:256"`
	IsPrimary      bool
	SortOrder      int

	CreatedAt time.Time
}

// ImportSource is a user-declared, repeatedly scanned feed.
type ImportSource struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:256"`

	Type   ImportSourceType   `gorm:"size:16"`
	Status ImportSourceStatus `gorm:"size:16;default:active"`

	SyncEnabled       bool
	SyncIntervalHours float64 `gorm:"default:24"`
	LastSyncAt        *time.Time
	LastError         string

	DefaultDesigner string `gorm:"size:256"`
	ProfileID       int64  `gorm:"index"`

	// Type-specific fields.
	FolderPath       string `gorm:"size:1024"` // bulk_folder
	DriveFolderID    string `gorm:"size:128"`  // google_drive
	DriveChangeToken string `gorm:"size:256"`  // google_drive incremental sync cursor
	ForumBaseURL     string `gorm:"size:512"`  // phpbb
	ForumID          int    // phpbb
	CredentialID     *int64 `gorm:"index"` // google_drive, phpbb

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImportRecord is one detected design within an ImportSource, tracked across
// scans by (source, source path).
type ImportRecord struct {
	ID       int64 `gorm:"primaryKey"`
	SourceID int64 `gorm:"index;uniqueIndex:ux_source_path,priority:1"`

	SourcePath string             `gorm:"size:1024;uniqueIndex:ux_source_path,priority:2"`
	Status     ImportRecordStatus `gorm:"size:16;index;default:pending"`

	DetectedTitle    string `gorm:"size:512"`
	DetectedDesigner string `gorm:"size:256"`
	SizeBytes        int64
	Fingerprint      string `gorm:"size:64"`
	// FileManifest is a JSON list of (name, size) pairs for the record's
	// files, used by the pre-download duplicate check.
	FileManifest string
	ModifiedAt       *time.Time
	DriveFolderID    string `gorm:"size:128"`
	ErrorMessage     string
	DesignID         *int64 `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImportProfile is a declarative ruleset describing how to detect designs
// inside folder trees. Built-in profiles are reseeded on startup and cannot
// be edited or deleted by users.
type ImportProfile struct {
	ID          int64  `gorm:"primaryKey"`
	Identifier  string `gorm:"uniqueIndex;size:128"`
	Name        string `gorm:"size:256"`
	Description string
	Builtin     bool
	Config      string // JSON-encoded profile.Config

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is the durable unit of work.
type Job struct {
	ID int64 `gorm:"primaryKey"`

	Type     JobType   `gorm:"size:32;index"`
	Status   JobStatus `gorm:"size:16;index"`
	Priority int       `gorm:"index"`

	CreatedAt  time.Time `gorm:"index"`
	StartedAt  *time.Time
	FinishedAt *time.Time

	Attempts    int
	MaxAttempts int `gorm:"default:3"`
	LastError   string

	ProgressCurrent int64
	ProgressTotal   int64
	ProgressInfo    string `gorm:"size:512"`

	DesignID  *int64 `gorm:"index"`
	ChannelID *int64 `gorm:"index"`

	Payload     string // opaque JSON
	Result      string // opaque JSON
	DisplayName string `gorm:"size:256"`
}

// DiscoveredChannel is an upstream source referenced by ingested content but
// not yet monitored.
type DiscoveredChannel struct {
	ID int64 `gorm:"primaryKey"`

	PeerID     string `gorm:"index;size:64"`
	Username   string `gorm:"index;size:128"`
	InviteHash string `gorm:"index;size:128"`
	Title      string `gorm:"size:256"`

	ReferenceCount int
	SourceTypes    string `gorm:"size:256"` // comma-joined DiscoverySourceType set
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// DuplicateCandidate is a scored (newer, older) design pair awaiting review
// or recording an auto-merge. DesignA is always the newer candidate.
type DuplicateCandidate struct {
	ID int64 `gorm:"primaryKey"`

	DesignAID  int64   `gorm:"index"`
	DesignBID  int64   `gorm:"index"`
	MatchType  string  `gorm:"size:32"`
	Confidence float64
	Status     DuplicateStatus `gorm:"size:16;default:pending"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExternalMetadataSource links a design to an external platform record
// (thangs, printables, thingiverse).
type ExternalMetadataSource struct {
	ID       int64 `gorm:"primaryKey"`
	DesignID int64 `gorm:"index;uniqueIndex:ux_ext,priority:1"`

	Type        string `gorm:"size:32;uniqueIndex:ux_ext,priority:2"`
	ExternalID  string `gorm:"size:128;uniqueIndex:ux_ext,priority:3"`
	URL         string `gorm:"size:512"`
	Confidence  float64
	MatchMethod string `gorm:"size:16"`

	FetchedTitle    string `gorm:"size:512"`
	FetchedDesigner string `gorm:"size:256"`
	FetchedTags     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tag is a label attachable to designs.
type Tag struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:128"`

	CreatedAt time.Time
}

// DesignTag attaches a Tag to a Design with provenance.
type DesignTag struct {
	ID       int64 `gorm:"primaryKey"`
	DesignID int64 `gorm:"index;uniqueIndex:ux_design_tag,priority:1"`
	TagID    int64 `gorm:"index;uniqueIndex:ux_design_tag,priority:2"`

	Source TagSource `gorm:"size:16"`

	CreatedAt time.Time
}

// Setting is one persisted typed configuration value.
type Setting struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string
	UpdatedAt time.Time
}

// Credential holds encrypted third-party credentials (Google OAuth tokens,
// phpBB session cookies). Ciphertext is sealed by internal/secrets.
type Credential struct {
	ID   int64  `gorm:"primaryKey"`
	Kind string `gorm:"size:32;index"` // "google", "phpbb"

	Ciphertext []byte
	ExpiresAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
