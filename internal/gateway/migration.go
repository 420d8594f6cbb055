package gateway

import (
	"net/http"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/migration"
)

func (s *Server) handleMigrationImport(w http.ResponseWriter, r *http.Request) {
	var req migration.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.importer.Import(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.bus.Publish(events.NewTypedEventForUser(events.SourceMigration, events.MigrationImportedPayload{
		Imported:  res.ImportedCount,
		Updated:   res.UpdatedCount,
		Conflicts: res.ConflictIDs,
		Errors:    res.ErrorCount,
	}, userID(r)))

	status := http.StatusOK
	if res.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func (s *Server) handleMigrationPreview(w http.ResponseWriter, r *http.Request) {
	var req migration.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.importer.Preview(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.importer.Status(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
