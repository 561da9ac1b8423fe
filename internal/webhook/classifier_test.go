package webhook

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const businessNumber = "15550009999"

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return data
}

func TestClassifyTextMessage(t *testing.T) {
	batch, err := Classify(loadFixture(t, "text_message.json"), businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(batch.Statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(batch.Statuses))
	}
	if len(batch.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(batch.Messages))
	}

	msg := batch.Messages[0]
	if msg.Kind != KindText || msg.Body != "Hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.From != "15551234567" {
		t.Fatalf("unexpected sender %q", msg.From)
	}
	if msg.SenderName != "Amira Hassan" {
		t.Fatalf("sender name not resolved from contacts: %q", msg.SenderName)
	}
	if msg.Timestamp != time.Unix(1724580000, 0).UTC() {
		t.Fatalf("unexpected timestamp %v", msg.Timestamp)
	}
}

func TestClassifyStatusesOnly(t *testing.T) {
	batch, err := Classify(loadFixture(t, "statuses_only.json"), businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(batch.Messages) != 0 {
		t.Fatalf("status payload must produce no message events, got %d", len(batch.Messages))
	}
	if len(batch.Statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(batch.Statuses))
	}
	if batch.Statuses[0].Status != "delivered" || batch.Statuses[1].Status != "read" {
		t.Fatalf("unexpected statuses: %+v", batch.Statuses)
	}
	if batch.Statuses[0].ProviderMessageID != "wamid.out.AAA" {
		t.Fatalf("unexpected message id %q", batch.Statuses[0].ProviderMessageID)
	}
}

func TestClassifyDiscardsEcho(t *testing.T) {
	batch, err := Classify(loadFixture(t, "echo_message.json"), businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(batch.Messages) != 0 {
		t.Fatalf("echo from the business number must be discarded, got %+v", batch.Messages)
	}
}

func TestClassifyMediaKinds(t *testing.T) {
	batch, err := Classify(loadFixture(t, "media_messages.json"), businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	// The unknown "reaction" entry is dropped.
	if len(batch.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(batch.Messages))
	}

	img := batch.Messages[0]
	if img.Kind != KindImage {
		t.Fatalf("expected image, got %s", img.Kind)
	}
	if img.Body != "passport photo page" {
		t.Fatalf("caption should become the body, got %q", img.Body)
	}
	if img.Media == nil || img.Media.ID != "MEDIA-IMG-1" || img.Media.MimeType != "image/jpeg" {
		t.Fatalf("unexpected media ref: %+v", img.Media)
	}

	doc := batch.Messages[1]
	if doc.Kind != KindDocument || doc.Body != "[document]" {
		t.Fatalf("unexpected document event: %+v", doc)
	}
	if doc.Media == nil || doc.Media.Filename != "bank-statement.pdf" {
		t.Fatalf("unexpected document media: %+v", doc.Media)
	}

	loc := batch.Messages[2]
	if loc.Kind != KindLocation {
		t.Fatalf("expected location, got %s", loc.Kind)
	}
	if loc.Media != nil {
		t.Fatal("location events carry no media ref")
	}
	if loc.Body != "[location: Dubai (25.204849,55.270783)]" {
		t.Fatalf("unexpected location body %q", loc.Body)
	}

	sticker := batch.Messages[3]
	if sticker.Kind != KindSticker || sticker.Body != "[sticker]" {
		t.Fatalf("unexpected sticker event: %+v", sticker)
	}
}

func TestClassifyMalformedJSON(t *testing.T) {
	if _, err := Classify([]byte(`{"object": `), businessNumber); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestClassifyDropsIncompleteCandidates(t *testing.T) {
	payload := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "1", "changes": [{"value": {
			"metadata": {"display_phone_number": "15550009999"},
			"messages": [
				{"from": "", "id": "wamid.nofrom", "timestamp": "1", "type": "text", "text": {"body": "x"}},
				{"from": "15551234567", "id": "", "timestamp": "1", "type": "text", "text": {"body": "x"}},
				{"from": "15551234567", "id": "wamid.notext", "timestamp": "1", "type": "text"}
			]
		}, "field": "messages"}]}]
	}`)

	batch, err := Classify(payload, businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(batch.Messages) != 0 {
		t.Fatalf("incomplete candidates must be dropped, got %+v", batch.Messages)
	}
}

func TestClassifyEmptyEnvelope(t *testing.T) {
	batch, err := Classify([]byte(`{"object":"whatsapp_business_account","entry":[]}`), businessNumber)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(batch.Messages) != 0 || len(batch.Statuses) != 0 {
		t.Fatalf("expected empty batch, got %+v", batch)
	}
}
