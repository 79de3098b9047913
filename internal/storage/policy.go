package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// FilePolicy represents upload constraints for one kind of object
type FilePolicy struct {
	MaxFileMB  float64  `json:"maxFileMB,omitempty" mapstructure:"max_file_mb"`
	MimeTypes  []string `json:"mime,omitempty" mapstructure:"mime_types"`
	Extensions []string `json:"extensions,omitempty" mapstructure:"extensions"`
}

// DefaultPhotoPolicy accepts common image formats up to 10 MB
func DefaultPhotoPolicy() FilePolicy {
	return FilePolicy{
		MaxFileMB:  10,
		MimeTypes:  []string{"image/jpeg", "image/png", "image/webp", "image/heic"},
		Extensions: []string{"jpg", "jpeg", "png", "webp", "heic"},
	}
}

// MaxBytes is the per-file limit in bytes, 0 when unlimited
func (fp FilePolicy) MaxBytes() int64 {
	if fp.MaxFileMB <= 0 {
		return 0
	}
	return int64(fp.MaxFileMB * 1024 * 1024)
}

// ValidateFile validates a file against the policy. A negative size skips the size check.
func (fp FilePolicy) ValidateFile(fileName, contentType string, fileSizeBytes int64) error {
	if max := fp.MaxBytes(); max > 0 && fileSizeBytes > max {
		return fmt.Errorf("file size %d bytes exceeds maximum %d bytes (%.2f MB)",
			fileSizeBytes, max, fp.MaxFileMB)
	}

	if len(fp.MimeTypes) > 0 && !fp.matchesMimeType(contentType) {
		return fmt.Errorf("content type %s is not allowed, allowed types: %v",
			contentType, fp.MimeTypes)
	}

	if len(fp.Extensions) > 0 && !fp.matchesExtension(fileName) {
		return fmt.Errorf("file extension is not allowed, allowed extensions: %v",
			fp.Extensions)
	}

	return nil
}

// matchesMimeType supports wildcard patterns like "image/*"
func (fp FilePolicy) matchesMimeType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range fp.MimeTypes {
		if strings.HasSuffix(allowed, "/*") {
			prefix := strings.TrimSuffix(allowed, "/*")
			if strings.HasPrefix(mediaType, prefix+"/") {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

func (fp FilePolicy) matchesExtension(fileName string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		return false
	}

	for _, allowed := range fp.Extensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}
