// Package images validates user-selected photo sets and manages their
// ephemeral preview thumbnails.
package images

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// AcceptedTypes lists the formats surfaced to users when a file is rejected.
var AcceptedTypes = []string{"JPG", "PNG", "WebP", "GIF", "BMP", "TIFF"}

// Image is a single user-selected photo.
type Image struct {
	Name     string
	MIMEType string
	Size     int64
	Data     []byte
}

// ImageSet is an accepted, ordered selection of images. It is never mutated
// after Validate returns it; a new selection supersedes it.
type ImageSet struct {
	images   []Image
	previews []string
	release  func([]string)
}

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	TooFew      ErrorKind = "too_few"
	TooMany     ErrorKind = "too_many"
	InvalidType ErrorKind = "invalid_type"
)

// ValidationError is returned by Validate. It is local and correctable by
// re-selecting files.
type ValidationError struct {
	Kind    ErrorKind
	Count   int
	Min     int
	Max     int
	File    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate checks a candidate file list against the {min, max} bounds and
// the image MIME requirement. On success the returned set holds the files in
// their original order; files is not modified.
func Validate(files []Image, minImages, maxImages int) (*ImageSet, error) {
	n := len(files)
	if n < minImages {
		return nil, &ValidationError{
			Kind: TooFew, Count: n, Min: minImages, Max: maxImages,
			Message: fmt.Sprintf("please select at least %d images", minImages),
		}
	}
	if n > maxImages {
		return nil, &ValidationError{
			Kind: TooMany, Count: n, Min: minImages, Max: maxImages,
			Message: fmt.Sprintf("maximum %d images allowed", maxImages),
		}
	}

	for _, f := range files {
		if !IsImageType(f.MIMEType) {
			return nil, &ValidationError{
				Kind: InvalidType, Count: n, Min: minImages, Max: maxImages, File: f.Name,
				Message: fmt.Sprintf("%s is not an image; please select only image files (%s)",
					f.Name, strings.Join(AcceptedTypes, ", ")),
			}
		}
	}

	accepted := make([]Image, n)
	copy(accepted, files)
	return &ImageSet{images: accepted}, nil
}

// IsImageType reports whether a MIME type is in the image/ family.
func IsImageType(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// DetectMIME resolves a MIME type from the file extension, falling back to
// content sniffing.
func DetectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
		return t
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(sniff))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

// Len returns the number of images in the set.
func (s *ImageSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.images)
}

// Images returns a copy of the accepted images in order.
func (s *ImageSet) Images() []Image {
	if s == nil {
		return nil
	}
	out := make([]Image, len(s.images))
	copy(out, s.images)
	return out
}

// TotalBytes sums the declared sizes of the images.
func (s *ImageSet) TotalBytes() int64 {
	var total int64
	for _, img := range s.Images() {
		total += img.Size
	}
	return total
}

// Previews returns the preview handles attached to the set, one per image in
// order; an empty handle means no preview could be rendered.
func (s *ImageSet) Previews() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.previews))
	copy(out, s.previews)
	return out
}

// Release revokes the set's preview handles. It is safe to call more than once.
func (s *ImageSet) Release() {
	if s == nil || s.release == nil {
		return
	}
	release := s.release
	s.release = nil
	release(s.previews)
	s.previews = nil
}
