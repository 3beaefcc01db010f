package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testNotice = " Reply STOP to opt out."

func TestFormatReply_ShortMessagePassesThrough(t *testing.T) {
	got := FormatReply("Thanks for your interest!", testNotice, 160)

	assert.Equal(t, "Thanks for your interest!"+testNotice, got)
	assert.LessOrEqual(t, len([]rune(got)), 160)
}

func TestFormatReply_LongMessageTruncated(t *testing.T) {
	long := strings.Repeat("The 2024 Camry is a great choice. ", 10)

	got := FormatReply(long, testNotice, 160)

	assert.LessOrEqual(t, len([]rune(got)), 160)
	assert.True(t, strings.HasSuffix(got, testNotice), "notice must survive truncation intact")
	body := strings.TrimSuffix(got, testNotice)
	assert.True(t, strings.HasSuffix(body, "..."), "truncated body carries the marker")
}

func TestFormatReply_ExactFitNotTruncated(t *testing.T) {
	body := strings.Repeat("a", 160-len(testNotice))

	got := FormatReply(body, testNotice, 160)

	assert.Equal(t, body+testNotice, got)
	assert.Equal(t, 160, len([]rune(got)))
}

func TestFormatReply_NoticeNeverTruncated(t *testing.T) {
	// Limit barely larger than the notice: the body collapses to the
	// marker but the notice stays whole.
	got := FormatReply("Hello there, long message", testNotice, len(testNotice)+5)

	assert.True(t, strings.HasSuffix(got, testNotice))
	assert.LessOrEqual(t, len([]rune(got)), len(testNotice)+5)
}

func TestFormatReply_MultibyteSafe(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 30)

	got := FormatReply(long, testNotice, 160)

	assert.LessOrEqual(t, len([]rune(got)), 160)
	assert.True(t, strings.HasSuffix(got, testNotice))
}

func TestFormatReply_ZeroLimitDisablesTruncation(t *testing.T) {
	long := strings.Repeat("a", 500)

	got := FormatReply(long, testNotice, 0)

	assert.Equal(t, long+testNotice, got)
}

func TestPersonalize_AddsGreeting(t *testing.T) {
	got := Personalize("The 2024 Camry is still available.", "Jordan Reyes")

	assert.Equal(t, "Hi Jordan! The 2024 Camry is still available.", got)
}

func TestPersonalize_SkipsWhenNameAlreadyPresent(t *testing.T) {
	reply := "Hi Jordan, the 2024 Camry is still available."

	assert.Equal(t, reply, Personalize(reply, "Jordan Reyes"))
	assert.Equal(t, reply, Personalize(reply, "jordan reyes"))
}

func TestPersonalize_UnknownNamePassesThrough(t *testing.T) {
	reply := "The 2024 Camry is still available."

	assert.Equal(t, reply, Personalize(reply, ""))
	assert.Equal(t, reply, Personalize(reply, "   "))
}

func TestPersonalize_ThenFormatKeepsTruncationLaw(t *testing.T) {
	long := strings.Repeat("The 2024 Camry is a great choice. ", 10)

	got := FormatReply(Personalize(long, "Jordan Reyes"), testNotice, 160)

	assert.LessOrEqual(t, len([]rune(got)), 160)
	assert.True(t, strings.HasSuffix(got, testNotice))
	assert.True(t, strings.HasPrefix(got, "Hi Jordan! "))
}
