package relay

import "github.com/UsSubDidIt/Whispry/internal/telegram"

// ContentKind enumerates the payload kinds a reply can relay. The set is
// closed: relayContent switches over it exhaustively.
type ContentKind int

const (
	KindUnsupported ContentKind = iota
	KindText
	KindPhoto
	KindVideo
	KindDocument
	KindAudio
	KindVoice
	KindSticker
)

// Content is one relayable payload: text, or a platform file reference with
// an optional caption where the format supports one.
type Content struct {
	Kind    ContentKind
	Text    string
	FileID  string
	Caption string
}

func contentFromMessage(msg *telegram.Message) Content {
	switch {
	case msg.Text != "":
		return Content{Kind: KindText, Text: msg.Text}
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes smallest first; relay the largest.
		return Content{Kind: KindPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID, Caption: msg.Caption}
	case msg.Video != nil:
		return Content{Kind: KindVideo, FileID: msg.Video.FileID, Caption: msg.Caption}
	case msg.Document != nil:
		return Content{Kind: KindDocument, FileID: msg.Document.FileID, Caption: msg.Caption}
	case msg.Audio != nil:
		return Content{Kind: KindAudio, FileID: msg.Audio.FileID, Caption: msg.Caption}
	case msg.Voice != nil:
		return Content{Kind: KindVoice, FileID: msg.Voice.FileID}
	case msg.Sticker != nil:
		return Content{Kind: KindSticker, FileID: msg.Sticker.FileID}
	default:
		return Content{Kind: KindUnsupported}
	}
}
