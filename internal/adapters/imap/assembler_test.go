package imap

import (
	"strings"
	"testing"

	goimap "github.com/emersion/go-imap/v2"
)

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: owner@example.com\r\n" +
	"Subject: Cotizacion\r\n" +
	"Message-Id: <reply-2@example.com>\r\n" +
	"References: <root-1@example.com> <reply-1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"xyz\"\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Necesito precio del 450G.\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Necesito <b>precio</b> del 450G.</p>\r\n" +
	"--xyz\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Disposition: attachment; filename=\"placa.jpg\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"/9j/4AAQ\r\n" +
	"--xyz--\r\n"

func testEnvelope() *goimap.Envelope {
	return &goimap.Envelope{
		Subject:   "Cotizacion",
		MessageID: "<reply-2@example.com>",
		From: []goimap.Address{{
			Name:    "Alice",
			Mailbox: "alice",
			Host:    "example.com",
		}},
	}
}

func TestBuildMessageMultipart(t *testing.T) {
	msg := BuildMessage(42, testEnvelope(), []byte(multipartMessage))

	if msg.ID != "42" {
		t.Errorf("id = %q", msg.ID)
	}
	if msg.Sender != "Alice" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if msg.SenderAddress != "alice@example.com" {
		t.Errorf("sender address = %q", msg.SenderAddress)
	}
	if msg.DirectReplyID != "reply-2@example.com" {
		t.Errorf("direct reply id = %q", msg.DirectReplyID)
	}
	// Conversation id is the root of the References chain.
	if msg.ConversationID != "root-1@example.com" {
		t.Errorf("conversation id = %q", msg.ConversationID)
	}
	if !strings.Contains(msg.Body, "Necesito precio del 450G") {
		t.Errorf("body = %q", msg.Body)
	}
	if strings.Contains(msg.Body, "<p>") {
		t.Errorf("body contains HTML: %q", msg.Body)
	}
	if msg.Image == nil {
		t.Fatal("image attachment not extracted")
	}
	if msg.Image.MIMEType != "image/jpeg" {
		t.Errorf("image type = %q", msg.Image.MIMEType)
	}
	if len(msg.Image.Data) == 0 {
		t.Error("image data is empty")
	}
}

func TestBuildMessageNoReferencesRootsOwnConversation(t *testing.T) {
	raw := "From: Bob <bob@example.com>\r\n" +
		"Subject: Hola\r\n" +
		"Message-Id: <starter@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Primer mensaje.\r\n"
	env := &goimap.Envelope{
		Subject:   "Hola",
		MessageID: "<starter@example.com>",
		From:      []goimap.Address{{Name: "Bob", Mailbox: "bob", Host: "example.com"}},
	}

	msg := BuildMessage(7, env, []byte(raw))

	if msg.ConversationID != "starter@example.com" {
		t.Errorf("conversation id = %q, want own message id", msg.ConversationID)
	}
}

func TestBuildMessageHTMLOnlyFallsBackToStrippedText(t *testing.T) {
	raw := "From: Carol <carol@example.com>\r\n" +
		"Subject: Promo\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><head><style>p{color:red}</style></head>" +
		"<body><p>Gran <b>oferta</b> de temporada</p></body></html>\r\n"

	msg := BuildMessage(8, nil, []byte(raw))

	if strings.Contains(msg.Body, "<") {
		t.Errorf("tags not stripped: %q", msg.Body)
	}
	if strings.Contains(msg.Body, "color:red") {
		t.Errorf("style block leaked: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "Gran oferta de temporada") {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestBuildMessageMalformedMIMEDoesNotPanic(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		[]byte("not a mime message at all"),
		[]byte("Content-Type: multipart/mixed; boundary=\"x\"\r\n\r\n--x\r\nbroken"),
	} {
		msg := BuildMessage(1, nil, raw)
		if msg.ID != "1" {
			t.Errorf("id = %q", msg.ID)
		}
	}
}

func TestStripHTMLEntities(t *testing.T) {
	got := StripHTML("<p>A &amp; B &nbsp; &lt;ok&gt;</p>")
	if got != "A & B <ok>" {
		t.Errorf("StripHTML = %q", got)
	}
}

func TestParseMessageIDs(t *testing.T) {
	ids := parseMessageIDs("<a@x> <b@y>\t<c@z>")
	if len(ids) != 3 || ids[0] != "a@x" || ids[2] != "c@z" {
		t.Errorf("ids = %v", ids)
	}
	if got := parseMessageIDs("bare-id@example.com"); len(got) != 1 || got[0] != "bare-id@example.com" {
		t.Errorf("bare id = %v", got)
	}
	if got := parseMessageIDs(""); got != nil {
		t.Errorf("empty header = %v", got)
	}
}
