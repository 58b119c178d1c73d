package provider

// ContentKind discriminates the message content union.
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindImage       ContentKind = "image"
	KindVideo       ContentKind = "video"
	KindDocument    ContentKind = "document"
	KindAudio       ContentKind = "audio"
	KindSticker     ContentKind = "sticker"
	KindUnsupported ContentKind = "unsupported"
)

// Content is the decoded message payload. The wire format carries content
// as a bag of optional fields; it is decoded into this tagged form exactly
// once, at the provider boundary.
type Content struct {
	Kind     ContentKind
	Text     string // body for text, caption for media
	MediaURL string
	FileName string
}

// decodeContent resolves the wire content bag into a Content value.
// Precedence follows the gateway's own probing order: plain text first,
// then media kinds.
func decodeContent(m *wireContent) Content {
	if m == nil {
		return Content{Kind: KindUnsupported}
	}
	switch {
	case m.Conversation != "":
		return Content{Kind: KindText, Text: m.Conversation}
	case m.ExtendedText != nil:
		return Content{Kind: KindText, Text: m.ExtendedText.Text}
	case m.Image != nil:
		return Content{Kind: KindImage, Text: m.Image.Caption, MediaURL: m.Image.URL}
	case m.Video != nil:
		return Content{Kind: KindVideo, Text: m.Video.Caption, MediaURL: m.Video.URL}
	case m.Document != nil:
		return Content{Kind: KindDocument, MediaURL: m.Document.URL, FileName: m.Document.FileName}
	case m.Audio != nil:
		return Content{Kind: KindAudio, MediaURL: m.Audio.URL}
	case m.Sticker != nil:
		return Content{Kind: KindSticker, MediaURL: m.Sticker.URL}
	default:
		return Content{Kind: KindUnsupported}
	}
}

// Preview returns the text shown in a chat summary for this content.
func (c Content) Preview() string {
	if c.Text != "" {
		return c.Text
	}
	switch c.Kind {
	case KindImage:
		return "[image]"
	case KindVideo:
		return "[video]"
	case KindDocument:
		if c.FileName != "" {
			return "[document] " + c.FileName
		}
		return "[document]"
	case KindAudio:
		return "[audio]"
	case KindSticker:
		return "[sticker]"
	default:
		return ""
	}
}
