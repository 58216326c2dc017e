package api

import (
	"net/http"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
)

// sourceRequest is the create/update body for an import source.
type sourceRequest struct {
	Name              string  `json:"name" validate:"required,min=1,max=256"`
	Type              string  `json:"type" validate:"required,oneof=bulk_folder google_drive phpbb"`
	SyncEnabled       bool    `json:"sync_enabled"`
	SyncIntervalHours float64 `json:"sync_interval_hours" validate:"omitempty,gte=0.25,lte=720"`
	DefaultDesigner   string  `json:"default_designer" validate:"max=256"`
	ProfileID         int64   `json:"profile_id" validate:"omitempty,gt=0"`

	FolderPath    string `json:"folder_path" validate:"required_if=Type bulk_folder,max=1024"`
	DriveFolderID string `json:"drive_folder_id" validate:"required_if=Type google_drive,max=128"`
	ForumBaseURL  string `json:"forum_base_url" validate:"required_if=Type phpbb,omitempty,url,max=512"`
	ForumID       int    `json:"forum_id" validate:"required_if=Type phpbb,omitempty,gt=0"`
	CredentialID  *int64 `json:"credential_id" validate:"omitempty,gt=0"`
}

func (req *sourceRequest) apply(src *catalog.ImportSource) {
	src.Name = req.Name
	src.Type = catalog.ImportSourceType(req.Type)
	src.SyncEnabled = req.SyncEnabled
	if req.SyncIntervalHours > 0 {
		src.SyncIntervalHours = req.SyncIntervalHours
	}
	src.DefaultDesigner = req.DefaultDesigner
	src.ProfileID = req.ProfileID
	src.FolderPath = req.FolderPath
	src.DriveFolderID = req.DriveFolderID
	src.ForumBaseURL = req.ForumBaseURL
	src.ForumID = req.ForumID
	src.CredentialID = req.CredentialID
}

func (s *Server) handleSourceList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListImportSources(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.ImportSource{}
	}
	s.respond(w, http.StatusOK, items)
}

func (s *Server) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	src := &catalog.ImportSource{Status: catalog.SourceActive}
	req.apply(src)
	if err := s.store.CreateImportSource(r.Context(), src); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, src)
}

func (s *Server) handleSourceGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetImportSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, src)
}

func (s *Server) handleSourceUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetImportSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req sourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if catalog.ImportSourceType(req.Type) != src.Type {
		s.respond(w, http.StatusConflict, errorBody{Error: "source type cannot change"})
		return
	}
	req.apply(src)
	if err := s.store.SaveImportSource(r.Context(), src); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, src)
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetImportSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.store.ListImportRecords(r.Context(), src.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	if _, err := s.queue.CancelJobsForImportSource(r.Context(), src.ID, ids); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteImportSource(r.Context(), src.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleSourceSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.store.GetImportSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	active, err := s.queue.HasActiveJob(r.Context(), catalog.JobSyncImportSource, src.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if active {
		s.respond(w, http.StatusConflict, errorBody{Error: "a sync is already queued or running"})
		return
	}
	job, err := s.queue.Enqueue(r.Context(), catalog.JobSyncImportSource, jobs.EnqueueOptions{
		Payload:     jobs.SyncImportSourcePayload{ImportSourceID: src.ID},
		DisplayName: "Sync " + src.Name,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, job)
}

func (s *Server) handleSourceRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetImportSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.store.ListImportRecords(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []catalog.ImportRecord{}
	}
	s.respond(w, http.StatusOK, recs)
}
