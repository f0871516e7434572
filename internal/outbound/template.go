package outbound

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
)

var templateMarker = regexp.MustCompile(`(?i)\[(IMAGE|VIDEO|AUDIO|DOCUMENT|FILE)\]\s*(https?://\S+)`)

// part is one provider call of a send.
type part struct {
	text  string
	media *provider.MediaMessage
}

func (p part) isMedia() bool { return p.media != nil }

// splitTemplate splits the first [TYPE]url marker in text into leading text,
// the media and trailing text. Empty text parts are dropped. It reports false
// when text carries no marker.
func splitTemplate(text string) ([]part, bool) {
	loc := templateMarker.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, false
	}
	kind := markerKind(text[loc[2]:loc[3]])
	rawURL := text[loc[4]:loc[5]]

	var parts []part
	if lead := strings.TrimSpace(text[:loc[0]]); lead != "" {
		parts = append(parts, part{text: lead})
	}
	parts = append(parts, part{media: &provider.MediaMessage{
		Kind:     kind,
		URL:      rawURL,
		MimeType: mimeFromURL(rawURL),
		FileName: fileName(rawURL),
	}})
	if trail := strings.TrimSpace(text[loc[1]:]); trail != "" {
		parts = append(parts, part{text: trail})
	}
	return parts, true
}

func markerKind(s string) provider.MediaKind {
	switch strings.ToUpper(s) {
	case "IMAGE":
		return provider.MediaImage
	case "VIDEO":
		return provider.MediaVideo
	case "AUDIO":
		return provider.MediaAudio
	default:
		return provider.MediaDocument
	}
}

// extensionTypes covers the extensions gateways care about, independent of the
// host's mime tables.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".zip":  "application/zip",
}

// mimeFromURL infers a content type from the URL path extension.
func mimeFromURL(rawURL string) string {
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

func fileName(rawURL string) string {
	name := path.Base(urlPath(rawURL))
	if name == "/" || name == "." {
		return ""
	}
	return name
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
