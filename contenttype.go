package carvekit

import (
	"mime"
	"net/http"
	"strings"
)

const octetStream = "application/octet-stream"

// Content types of carved formats that mime.TypeByExtension does not know
// on a minimal system.
var extensionToMIME = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"rtf":  "application/rtf",
	"html": "text/html",
	"htm":  "text/html",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"tar":  "application/x-tar",
	"xz":   "application/x-xz",
	"7z":   "application/x-7z-compressed",
	"rar":  "application/x-rar-compressed",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"doc":  "application/msword",
	"xls":  "application/vnd.ms-excel",
	"ppt":  "application/vnd.ms-powerpoint",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// compressedTypes are content types whose payload gains nothing from another
// deflate pass.
var compressedTypes = map[string]bool{
	"application/zip":              true,
	"application/gzip":             true,
	"application/x-xz":             true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/zstd":             true,
	"application/x-lz4":            true,
	"image/jpeg":                   true,
	"image/png":                    true,
	"image/gif":                    true,
	"image/webp":                   true,
	"audio/mpeg":                   true,
	"audio/ogg":                    true,
	"audio/flac":                   true,
	"video/mp4":                    true,
	"video/quicktime":              true,
}

// GuessContentType returns the content type for a candidate with the given
// extension (with or without the leading dot). Unknown extensions fall back
// to sniffing data, then to application/octet-stream.
func GuessContentType(ext string, data []byte) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ct, ok := extensionToMIME[ext]; ok {
		return ct
	}
	if ext != "" {
		if ct := mime.TypeByExtension("." + ext); ct != "" {
			return ct
		}
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return octetStream
}

// IsCompressedContentType reports whether content of type ct is already
// compressed. Parameters such as charset are ignored.
func IsCompressedContentType(ct string) bool {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return compressedTypes[strings.TrimSpace(strings.ToLower(ct))]
}
