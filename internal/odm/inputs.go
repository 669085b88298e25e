package odm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// DefaultMinImages is the smallest still-image set a run accepts.
const DefaultMinImages = 5

// serverMinImages is the floor below which the server rejects a task, whatever
// minimum the caller configured.
const serverMinImages = 2

var (
	imagePatterns    = []string{"*.jpg", "*.jpeg", "*.JPG", "*.JPEG"}
	gcpPatterns      = []string{"*.txt", "*.TXT"}
	videoExtensions  = []string{".mp4", ".MP4"}
	subtitleSuffixes = []string{".srt", ".SRT"}
)

// Part is one file of an upload. The concrete types are ImagePart, GCPPart
// and SRTPart.
type Part interface {
	// Field is the multipart form field the part is sent under.
	Field() string
	// Path is the local file path; it is only opened while uploading.
	Path() string
	ContentType() string
	part()
}

type ImagePart struct {
	File string
	Type string
}

func (p ImagePart) Field() string { return "images" }
func (p ImagePart) Path() string  { return p.File }
func (p ImagePart) ContentType() string {
	if p.Type == "" {
		return "image/jpg"
	}
	return p.Type
}
func (ImagePart) part() {}

// GCPPart is a ground control point text file.
type GCPPart struct{ File string }

func (p GCPPart) Field() string       { return "gcp" }
func (p GCPPart) Path() string        { return p.File }
func (p GCPPart) ContentType() string { return "text/plain" }
func (GCPPart) part()                 {}

// SRTPart is the telemetry subtitle sidecar of a video.
type SRTPart struct{ File string }

func (p SRTPart) Field() string       { return "srt" }
func (p SRTPart) Path() string        { return p.File }
func (p SRTPart) ContentType() string { return "application/x-subrip" }
func (SRTPart) part()                 {}

// InputSet is the ordered list of parts uploaded with a task.
type InputSet []Part

// Count returns how many parts are sent under field.
func (s InputSet) Count(field string) int {
	n := 0
	for _, p := range s {
		if p.Field() == field {
			n++
		}
	}
	return n
}

// GatherMode selects still images or a single video.
type GatherMode struct {
	// Video is the base name of the video file; empty selects still images.
	Video     string
	MinImages int
}

// GatherInputs scans dir (not recursively) and builds the upload set. It
// never touches the network.
func GatherInputs(dir string, mode GatherMode) (InputSet, error) {
	if mode.Video != "" {
		return gatherVideo(dir, mode.Video)
	}
	return gatherImages(dir, mode.MinImages)
}

func gatherImages(dir string, minImages int) (InputSet, error) {
	if minImages <= 0 {
		minImages = DefaultMinImages
	}
	minImages = max(minImages, serverMinImages)
	images, err := globAll(dir, imagePatterns)
	if err != nil {
		return nil, err
	}
	if len(images) < minImages {
		return nil, Mark(ErrInsufficientInput, fmt.Sprintf("less than %d images provided (found %d in %s)", minImages, len(images), dir), nil)
	}
	log.Info().Int("count", len(images)).Str("dir", dir).Msg("Found images")

	set := make(InputSet, 0, len(images))
	for _, p := range images {
		set = append(set, ImagePart{File: p})
	}

	gcps, err := globAll(dir, gcpPatterns)
	if err != nil {
		return nil, err
	}
	for _, p := range gcps {
		log.Info().Str("file", filepath.Base(p)).Msg("Attaching GCP file")
		set = append(set, GCPPart{File: p})
	}
	return set, nil
}

func gatherVideo(dir, name string) (InputSet, error) {
	video := firstExisting(dir, name, videoExtensions)
	if video == "" {
		return nil, Mark(ErrInputNotFound, fmt.Sprintf("%s not found in %s, must be one of %v", name, dir, videoExtensions), nil)
	}
	log.Info().Str("file", filepath.Base(video)).Msg("Found video")

	// The server wants at least two images, so the video goes up twice.
	set := InputSet{
		ImagePart{File: video, Type: "video/mp4"},
		ImagePart{File: video, Type: "video/mp4"},
	}
	if srt := firstExisting(dir, name, subtitleSuffixes); srt != "" {
		log.Info().Str("file", filepath.Base(srt)).Msg("Attaching subtitle file")
		set = append(set, SRTPart{File: srt})
	}
	return set, nil
}

func globAll(dir string, patterns []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Mark(ErrInputNotFound, "read input directory", err)
	}
	seen := map[string]bool{}
	var out []string
	for _, pattern := range patterns {
		for _, e := range entries {
			if e.IsDir() || seen[e.Name()] {
				continue
			}
			if ok, _ := filepath.Match(pattern, e.Name()); ok {
				seen[e.Name()] = true
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
	}
	return out, nil
}

func firstExisting(dir, name string, suffixes []string) string {
	for _, suffix := range suffixes {
		p := filepath.Join(dir, name+suffix)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
