package provider

import (
	"strings"

	"chatsync/internal/delivery"
)

// Wire shapes for the gateway's JSON payloads. Only the fields the engine
// reads are declared.

type wireKey struct {
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
	RemoteJid string `json:"remoteJid"`
}

type wireContent struct {
	Conversation string         `json:"conversation,omitempty"`
	ExtendedText *wireText      `json:"extendedTextMessage,omitempty"`
	Image        *wireMedia     `json:"imageMessage,omitempty"`
	Video        *wireMedia     `json:"videoMessage,omitempty"`
	Document     *wireDocument  `json:"documentMessage,omitempty"`
	Audio        *wireMediaOnly `json:"audioMessage,omitempty"`
	Sticker      *wireMediaOnly `json:"stickerMessage,omitempty"`
}

type wireText struct {
	Text string `json:"text"`
}

type wireMedia struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type wireDocument struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

type wireMediaOnly struct {
	URL string `json:"url"`
}

type wireRecord struct {
	Key              wireKey      `json:"key"`
	PushName         string       `json:"pushName,omitempty"`
	MessageType      string       `json:"messageType,omitempty"`
	Message          *wireContent `json:"message"`
	MessageTimestamp int64        `json:"messageTimestamp"`
	Status           string       `json:"status,omitempty"`
}

type findMessagesRequest struct {
	Where findMessagesWhere `json:"where"`
	Limit int               `json:"limit"`
}

type findMessagesWhere struct {
	Key findMessagesKey `json:"key"`
}

type findMessagesKey struct {
	RemoteJid string `json:"remoteJid"`
}

type findMessagesResponse struct {
	Messages struct {
		Total       int          `json:"total"`
		Pages       int          `json:"pages"`
		CurrentPage int          `json:"currentPage"`
		Records     []wireRecord `json:"records"`
	} `json:"messages"`
}

type sendTextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay"`
	LinkPreview bool   `json:"linkPreview"`
}

type sendMediaRequest struct {
	Number   string        `json:"number"`
	Image    *mediaPayload `json:"imageMessage,omitempty"`
	Video    *mediaPayload `json:"videoMessage,omitempty"`
	Document *docPayload   `json:"documentMessage,omitempty"`
	Audio    *audioPayload `json:"audioMessage,omitempty"`
	Options  sendMediaOpts `json:"options"`
}

type mediaPayload struct {
	Image   string `json:"image,omitempty"`
	Video   string `json:"video,omitempty"`
	Caption string `json:"caption"`
}

type docPayload struct {
	Document string `json:"document"`
	FileName string `json:"fileName"`
}

type audioPayload struct {
	Audio string `json:"audio"`
}

type sendMediaOpts struct {
	Delay    int    `json:"delay"`
	Presence string `json:"presence"`
}

type sendResponse struct {
	Key    wireKey `json:"key"`
	Status string  `json:"status,omitempty"`
}

type markReadRequest struct {
	ReadMessages []readReceipt `json:"readMessages"`
}

type readReceipt struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

type presenceRequest struct {
	Presence string `json:"presence"`
	Number   string `json:"number"`
}

type wireChat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	UnreadCount int    `json:"unreadCount"`
	LastMessage *struct {
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	} `json:"lastMessage,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

type findChatsResponse struct {
	Chats []wireChat `json:"chats"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type numberCheck struct {
	Exists bool   `json:"exists"`
	Number string `json:"number"`
	Jid    string `json:"jid,omitempty"`
}

type profilePictureResponse struct {
	ProfilePictureURL string `json:"profilePictureUrl"`
}

const jidSuffix = "@s.whatsapp.net"

// jid renders a counterparty address as the gateway's JID form.
func jid(address string) string {
	if strings.Contains(address, "@") {
		return address
	}
	return address + jidSuffix
}

// addressFromJID strips the server suffix off a JID.
func addressFromJID(j string) string {
	if i := strings.IndexByte(j, '@'); i >= 0 {
		return j[:i]
	}
	return j
}

// decodeRecord normalizes one wire record into a Record. Timestamps arrive
// in seconds and are stored in milliseconds.
func decodeRecord(w wireRecord) Record {
	status, known := delivery.Parse(strings.ToLower(w.Status))
	if !known && w.Key.FromMe {
		status = delivery.Sent
	}
	return Record{
		ID:        w.Key.ID,
		FromMe:    w.Key.FromMe,
		Address:   addressFromJID(w.Key.RemoteJid),
		PushName:  w.PushName,
		Content:   decodeContent(w.Message),
		Status:    status,
		Timestamp: w.MessageTimestamp * 1000,
	}
}
