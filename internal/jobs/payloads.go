package jobs

// Job payload shapes. Payloads are opaque JSON at the queue level; these are
// the typed forms the workers marshal and unmarshal.

// DownloadDesignPayload parameterises a Telegram design download.
type DownloadDesignPayload struct {
	DesignID int64 `json:"design_id"`
}

// ExtractArchivePayload parameterises an archive extraction pass.
type ExtractArchivePayload struct {
	DesignID int64 `json:"design_id"`
}

// ImportToLibraryPayload parameterises a library import.
type ImportToLibraryPayload struct {
	DesignID int64 `json:"design_id"`
}

// GenerateRenderPayload parameterises preview rendering.
type GenerateRenderPayload struct {
	DesignID int64 `json:"design_id"`
}

// DownloadTelegramImagesPayload parameterises preview image fetching for one
// ingested message.
type DownloadTelegramImagesPayload struct {
	DesignID  int64 `json:"design_id"`
	MessageID int64 `json:"message_id"`
}

// AIAnalyzePayload parameterises AI tagging.
type AIAnalyzePayload struct {
	DesignID int64 `json:"design_id"`
	Force    bool  `json:"force,omitempty"`
}

// SyncImportSourcePayload parameterises a scheduled or user-triggered source
// scan.
type SyncImportSourcePayload struct {
	ImportSourceID int64 `json:"import_source_id"`
}

// DownloadImportRecordPayload parameterises a per-record cloud-drive download.
type DownloadImportRecordPayload struct {
	ImportRecordID int64 `json:"import_record_id"`
	ImportSourceID int64 `json:"import_source_id,omitempty"`
}
