package app

import (
	"strings"

	"github.com/dealerlink/leadrelay/internal/listener_service/domain"
)

// ExtractPayload finds the ADF/XML payload in a message: XML-looking
// attachments first (vendors that attach the document), then an inline
// <adf> block in the body. Returns ("", false) when the message carries
// no payload.
func ExtractPayload(msg *domain.Message) (string, bool) {
	for _, att := range msg.Attachments {
		if !looksLikeXMLAttachment(att) {
			continue
		}
		if payload, ok := extractADFBlock(string(att.Data)); ok {
			return payload, true
		}
	}
	if payload, ok := extractADFBlock(msg.TextBody); ok {
		return payload, true
	}
	// Last resort: some vendors attach the document with a bogus name and
	// content type, so sniff the remaining attachments.
	for _, att := range msg.Attachments {
		if looksLikeXMLAttachment(att) {
			continue
		}
		if payload, ok := extractADFBlock(string(att.Data)); ok {
			return payload, true
		}
	}
	return "", false
}

func looksLikeXMLAttachment(att domain.Attachment) bool {
	name := strings.ToLower(att.Filename)
	if strings.HasSuffix(name, ".xml") || strings.HasSuffix(name, ".adf") {
		return true
	}
	ct := strings.ToLower(att.ContentType)
	return strings.Contains(ct, "xml")
}

// extractADFBlock pulls the <adf>...</adf> document out of surrounding
// text, keeping a leading XML declaration when present so the charset
// survives.
func extractADFBlock(text string) (string, bool) {
	lower := strings.ToLower(text)
	start := strings.Index(lower, "<adf")
	if start < 0 {
		return "", false
	}
	end := strings.Index(lower[start:], "</adf>")
	if end < 0 {
		return "", false
	}
	end += start + len("</adf>")

	block := text[start:end]

	// Keep the declaration if it directly precedes the document.
	if declStart := strings.LastIndex(lower[:start], "<?xml"); declStart >= 0 {
		declEnd := strings.Index(lower[declStart:], "?>")
		if declEnd >= 0 && strings.TrimSpace(text[declStart+declEnd+len("?>"):start]) == "" {
			block = text[declStart:declStart+declEnd+len("?>")] + "\n" + block
		}
	}
	return block, true
}
