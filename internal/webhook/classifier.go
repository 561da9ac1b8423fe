package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the tagged message kind resolved once at classification time.
// Downstream code switches on Kind and never re-inspects provider JSON.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindLocation Kind = "location"
	KindSticker  Kind = "sticker"
)

// MediaRef points at provider-hosted media attached to a message.
type MediaRef struct {
	ID       string
	MimeType string
	Sha256   string
	Caption  string
	Filename string
}

// MessageEvent is one normalized customer-originated message.
type MessageEvent struct {
	ProviderMessageID string
	From              string
	SenderName        string
	Kind              Kind
	Body              string
	Media             *MediaRef
	Timestamp         time.Time
}

// StatusEvent is one delivery/read/failure receipt for an outbound message.
type StatusEvent struct {
	ProviderMessageID string
	Status            string
	RecipientID       string
	Timestamp         time.Time
}

// Batch is the classified content of one webhook payload.
type Batch struct {
	Messages []MessageEvent
	Statuses []StatusEvent
}

// Wire shapes for the WhatsApp Cloud API webhook payload.
type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Value changeValue `json:"value"`
	Field string      `json:"field"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         metadata          `json:"metadata"`
	Contacts         []webhookContact  `json:"contacts,omitempty"`
	Messages         []incomingMessage `json:"messages,omitempty"`
	Statuses         []statusUpdate    `json:"statuses,omitempty"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type webhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type incomingMessage struct {
	From      string         `json:"from"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Text      *incomingText  `json:"text,omitempty"`
	Image     *incomingMedia `json:"image,omitempty"`
	Audio     *incomingMedia `json:"audio,omitempty"`
	Video     *incomingMedia `json:"video,omitempty"`
	Sticker   *incomingMedia `json:"sticker,omitempty"`
	Document  *incomingDoc   `json:"document,omitempty"`
	Location  *incomingLoc   `json:"location,omitempty"`
}

type incomingText struct {
	Body string `json:"body"`
}

type incomingMedia struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type"`
	Sha256   string `json:"sha256"`
	ID       string `json:"id"`
}

type incomingDoc struct {
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type"`
	Sha256   string `json:"sha256"`
	ID       string `json:"id"`
}

type incomingLoc struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type statusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Classify parses a webhook body into disjoint message and status events.
// It is a pure function: malformed JSON is the only error, and individual
// candidates that fail the filtering rules are dropped, not surfaced.
// businessNumber is the tenant's own number; messages from it are echoes of
// our outbound traffic reflected back and are discarded.
func Classify(body []byte, businessNumber string) (*Batch, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("webhook: parse payload: %w", err)
	}

	batch := &Batch{}
	for _, ent := range env.Entry {
		for _, ch := range ent.Changes {
			names := senderNames(ch.Value.Contacts)

			for _, st := range ch.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					continue
				}
				batch.Statuses = append(batch.Statuses, StatusEvent{
					ProviderMessageID: st.ID,
					Status:            st.Status,
					RecipientID:       st.RecipientID,
					Timestamp:         parseEpoch(st.Timestamp),
				})
			}

			for _, msg := range ch.Value.Messages {
				if msg.ID == "" || msg.From == "" {
					continue
				}
				if businessNumber != "" &&
					(msg.From == businessNumber || msg.From == ch.Value.Metadata.DisplayPhoneNumber) {
					continue
				}
				event, ok := normalizeMessage(msg)
				if !ok {
					continue
				}
				event.SenderName = names[msg.From]
				batch.Messages = append(batch.Messages, event)
			}
		}
	}
	return batch, nil
}

func normalizeMessage(msg incomingMessage) (MessageEvent, bool) {
	event := MessageEvent{
		ProviderMessageID: msg.ID,
		From:              msg.From,
		Timestamp:         parseEpoch(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return event, false
		}
		event.Kind = KindText
		event.Body = msg.Text.Body
	case "image":
		event.Kind = KindImage
		event.Body = "[image]"
		event.Media = mediaRef(msg.Image)
	case "audio":
		event.Kind = KindAudio
		event.Body = "[audio]"
		event.Media = mediaRef(msg.Audio)
	case "video":
		event.Kind = KindVideo
		event.Body = "[video]"
		event.Media = mediaRef(msg.Video)
	case "sticker":
		event.Kind = KindSticker
		event.Body = "[sticker]"
		event.Media = mediaRef(msg.Sticker)
	case "document":
		event.Kind = KindDocument
		event.Body = "[document]"
		if msg.Document != nil {
			event.Media = &MediaRef{
				ID:       msg.Document.ID,
				MimeType: msg.Document.MimeType,
				Sha256:   msg.Document.Sha256,
				Caption:  msg.Document.Caption,
				Filename: msg.Document.Filename,
			}
		}
	case "location":
		if msg.Location == nil {
			return event, false
		}
		event.Kind = KindLocation
		event.Body = fmt.Sprintf("[location: %.6f,%.6f]", msg.Location.Latitude, msg.Location.Longitude)
		if msg.Location.Name != "" {
			event.Body = fmt.Sprintf("[location: %s (%.6f,%.6f)]", msg.Location.Name, msg.Location.Latitude, msg.Location.Longitude)
		}
	default:
		return event, false
	}

	if event.Kind != KindText && event.Kind != KindLocation && event.Media == nil {
		return event, false
	}
	if event.Media != nil {
		if caption := event.Media.Caption; caption != "" {
			event.Body = caption
		}
	}
	return event, true
}

func mediaRef(m *incomingMedia) *MediaRef {
	if m == nil || m.ID == "" {
		return nil
	}
	return &MediaRef{
		ID:       m.ID,
		MimeType: m.MimeType,
		Sha256:   m.Sha256,
		Caption:  m.Caption,
	}
}

func senderNames(contacts []webhookContact) map[string]string {
	if len(contacts) == 0 {
		return nil
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.WaID != "" && c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

func parseEpoch(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
