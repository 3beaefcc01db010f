package app

import "strings"

const truncationMarker = "..."

// Personalize prefixes a greeting with the customer's first name. A
// reply that already mentions the name is left alone so the customer is
// not greeted twice.
func Personalize(reply, customerName string) string {
	reply = strings.TrimSpace(reply)

	first := firstName(customerName)
	if first == "" || reply == "" {
		return reply
	}
	if strings.Contains(strings.ToLower(reply), strings.ToLower(first)) {
		return reply
	}
	return "Hi " + first + "! " + reply
}

func firstName(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// FormatReply composes the final SMS body from the generated reply and
// the opt-out notice. The notice is always appended intact; when the
// combined text exceeds the segment limit the reply is truncated on a
// rune boundary and marked with an ellipsis, never the notice.
func FormatReply(reply, optOutNotice string, segmentLimit int) string {
	reply = strings.TrimSpace(reply)

	if segmentLimit <= 0 {
		return reply + optOutNotice
	}

	full := reply + optOutNotice
	if len([]rune(full)) <= segmentLimit {
		return full
	}

	budget := segmentLimit - len([]rune(optOutNotice)) - len(truncationMarker)
	if budget < 0 {
		budget = 0
	}
	runes := []rune(reply)
	if len(runes) > budget {
		runes = runes[:budget]
	}
	truncated := strings.TrimRight(string(runes), " ")
	return truncated + truncationMarker + optOutNotice
}
