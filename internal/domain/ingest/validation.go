package ingest

import (
	"strings"

	"github.com/dustin/go-humanize"
)

const MaxAttachments = 5

var (
	restrictedExtensions = map[string]bool{"pdf": true}
	generalExtensions    = map[string]bool{
		"pdf": true, "jpg": true, "jpeg": true, "png": true,
		"gif": true, "tif": true, "tiff": true, "txt": true,
	}
)

// AllowedExtensions returns the lower-case extension set for a category, or
// nil for an unknown category.
func AllowedExtensions(c Category) map[string]bool {
	switch c {
	case CategoryRestricted:
		return restrictedExtensions
	case CategoryGeneral:
		return generalExtensions
	}
	return nil
}

// Validate checks the request's structural and business rules. maxFileSize
// <= 0 disables the size check.
func (r *IngestRequest) Validate(maxFileSize int64) error {
	if strings.TrimSpace(r.PatientID) == "" {
		return invalid("patient_id", "is required")
	}
	if strings.TrimSpace(r.FolderID) == "" {
		return invalid("folder_id", "is required")
	}
	if strings.TrimSpace(r.ActingUser) == "" {
		return invalid("acting_user", "is required")
	}
	if r.Category == "" {
		return invalid("category", "document category preference is required")
	}
	allowed := AllowedExtensions(r.Category)
	if allowed == nil {
		return invalid("category", "unknown document category %q", r.Category)
	}

	switch n := len(r.Attachments); {
	case n == 0:
		return invalid("files", "at least one file is required")
	case n > MaxAttachments:
		return invalid("files", "at most %d files may be uploaded at once, got %d", MaxAttachments, n)
	}

	for i, a := range r.Attachments {
		ext, err := Extension(a.FileName)
		if err != nil {
			return invalid("files", "file %d (%q) has no extension", i+1, a.FileName)
		}
		if !allowed[strings.ToLower(ext)] {
			return invalid("files", "file %d (%q): extension %q is not allowed for %s documents", i+1, a.FileName, ext, r.Category)
		}
		if len(a.Data) == 0 {
			return invalid("files", "file %d (%q) is empty", i+1, a.FileName)
		}
		if maxFileSize > 0 && int64(len(a.Data)) > maxFileSize {
			return invalid("files", "file %d (%q) is %s, limit is %s", i+1, a.FileName,
				humanize.IBytes(uint64(len(a.Data))), humanize.IBytes(uint64(maxFileSize)))
		}
	}
	return nil
}
