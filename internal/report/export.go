package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/user/prowl/internal/util"
)

// ExportJSON writes the report as a single indented JSON document. The
// write is atomic so readers never see a torn file.
func ExportJSON(data *ReportData, path string) error {
	doc, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return util.WriteFileAtomic(path, doc, 0644)
}

// ExportPath returns the export location for a session inside dir.
func ExportPath(dir, sessionID string) string {
	return filepath.Join(dir, "session-"+safeFileName(sessionID)+".json")
}
