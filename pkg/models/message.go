package models

// SenderType identifies which party authored a message.
type SenderType string

const (
	SenderAgent   SenderType = "agent"
	SenderContact SenderType = "contact"
	SenderBot     SenderType = "bot"
	SenderSystem  SenderType = "system"
)

// ContentType identifies the payload kind of a message.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	StatusComposing MessageStatus = "composing"
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Attachment describes one file attached to a message. Until the upload
// is confirmed the bytes live in the local store under BlobKey; once the
// server resolves it, URL is set and BlobKey is released.
type Attachment struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	BlobKey  string `json:"blob_key,omitempty"`
}

// Message is the unit of conversation content.
type Message struct {
	// ID is assigned by the server; empty until the send is confirmed.
	ID string `json:"id,omitempty"`
	// ClientTempID is generated locally and stable for the message's
	// entire local lifetime. It is the sole correlation key between
	// optimistic and confirmed state.
	ClientTempID   string        `json:"client_temp_id"`
	ConversationID string        `json:"conversation_id"`
	SenderType     SenderType    `json:"sender_type"`
	SenderID       string        `json:"sender_id,omitempty"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content,omitempty"`
	ContentType    ContentType   `json:"content_type"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`
	// CreatedAt is the client clock (ns); it determines local ordering.
	CreatedAt int64 `json:"created_at"`
	// ConfirmedAt is the server clock (ns), 0 until known.
	ConfirmedAt int64 `json:"confirmed_at,omitempty"`
}
