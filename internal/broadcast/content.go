package broadcast

import (
	"strings"

	"linkmux/internal/transport"
)

// BuildContent maps text and an optional attachment onto the transport content
// model: image/* and video/* carry the text as caption, any other media type
// is sent as a document with its file name and media type.
func BuildContent(text string, att *Attachment) transport.Content {
	if att == nil {
		return transport.Content{Kind: transport.ContentText, Text: text}
	}
	mt := strings.ToLower(strings.TrimSpace(att.MimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return transport.Content{Kind: transport.ContentImage, Text: text, Data: att.Data}
	case strings.HasPrefix(mt, "video/"):
		return transport.Content{Kind: transport.ContentVideo, Text: text, Data: att.Data}
	default:
		return transport.Content{
			Kind:     transport.ContentDocument,
			Text:     text,
			Data:     att.Data,
			FileName: att.FileName,
			MimeType: att.MimeType,
		}
	}
}
