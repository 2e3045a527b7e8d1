package imap

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/mikey/mail-triage/internal/core"
)

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlStyleRe  = regexp.MustCompile(`(?is)<(style|script)\b.*?</(style|script)>`)
	msgIDTokenRe = regexp.MustCompile(`<([^<>]+)>`)
)

// BuildMessage assembles one triage-ready message from the fetched envelope
// and raw MIME bytes. It never fails: malformed MIME degrades to whatever
// could be extracted, with the raw text as the body of last resort.
func BuildMessage(uid goimap.UID, env *goimap.Envelope, raw []byte) core.Message {
	msg := core.Message{ID: strconv.FormatUint(uint64(uid), 10)}

	if env != nil {
		msg.Subject = env.Subject
		msg.DirectReplyID = trimMessageID(env.MessageID)
		if len(env.From) > 0 {
			from := env.From[0]
			msg.SenderAddress = from.Addr()
			if from.Name != "" {
				msg.Sender = from.Name
			} else {
				msg.Sender = from.Addr()
			}
		}
	}

	body, image, references := parseMIME(raw)
	msg.Body = body
	msg.Image = image

	// The conversation is identified by the root of the References chain; a
	// thread starter references nothing and roots its own conversation.
	if len(references) > 0 {
		msg.ConversationID = references[0]
	} else {
		msg.ConversationID = msg.DirectReplyID
	}
	return msg
}

// BuildThreadMessage assembles a history entry for thread context rendering.
func BuildThreadMessage(env *goimap.Envelope, raw []byte) core.ThreadMessage {
	tm := core.ThreadMessage{}
	if env != nil {
		tm.Subject = env.Subject
		tm.Date = env.Date
		if len(env.From) > 0 {
			tm.From = env.From[0].Addr()
		}
	}
	body, _, _ := parseMIME(raw)
	tm.Body = body
	return tm
}

// parseMIME walks the MIME tree and extracts the plain-text body (falling
// back to stripped HTML), the first image part, and the References chain.
func parseMIME(raw []byte) (body string, image *core.Attachment, references []string) {
	if len(raw) == 0 {
		return "", nil, nil
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not parseable as a MIME message; use the raw text as-is.
		return strings.TrimSpace(string(raw)), nil, nil
	}
	defer mr.Close()

	references = parseMessageIDs(mr.Header.Get("References"))

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part does not invalidate what was already read.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case strings.HasPrefix(contentType, "text/plain") && plain == "":
				data, readErr := io.ReadAll(part.Body)
				if readErr == nil {
					plain = string(data)
				}
			case strings.HasPrefix(contentType, "text/html") && html == "":
				data, readErr := io.ReadAll(part.Body)
				if readErr == nil {
					html = string(data)
				}
			case strings.HasPrefix(contentType, "image/") && image == nil:
				data, readErr := io.ReadAll(part.Body)
				if readErr == nil && len(data) > 0 {
					image = &core.Attachment{MIMEType: contentType, Data: data}
				}
			}
		case *mail.AttachmentHeader:
			contentType, _, _ := h.ContentType()
			if strings.HasPrefix(contentType, "image/") && image == nil {
				data, readErr := io.ReadAll(part.Body)
				if readErr == nil && len(data) > 0 {
					image = &core.Attachment{MIMEType: contentType, Data: data}
				}
			}
		}
	}

	body = strings.TrimSpace(plain)
	if body == "" && html != "" {
		body = StripHTML(html)
	}
	return body, image, references
}

// StripHTML reduces an HTML body to readable text: style and script blocks
// go first, then tags, then entity and whitespace cleanup.
func StripHTML(html string) string {
	text := htmlStyleRe.ReplaceAllString(html, " ")
	text = htmlTagRe.ReplaceAllString(text, " ")
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	text = replacer.Replace(text)
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

// parseMessageIDs extracts the bare message ids from a References-style
// header value, in order.
func parseMessageIDs(header string) []string {
	if header == "" {
		return nil
	}
	matches := msgIDTokenRe.FindAllStringSubmatch(header, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	if len(ids) == 0 {
		if id := trimMessageID(header); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func trimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
