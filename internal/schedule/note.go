package schedule

import (
	"regexp"
	"strings"
)

var phoneTagRe = regexp.MustCompile(`tel:\[([^\]]*)\]`)

// NormalizePhone keeps digits only so "090-1234-5678" matches "09012345678".
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneTag renders the structured note marker for phone.
func PhoneTag(phone string) string {
	return "tel:[" + NormalizePhone(phone) + "]"
}

// NoteWithPhone returns note carrying the phone marker exactly once. Any
// previous marker is replaced.
func NoteWithPhone(note, phone string) string {
	note = strings.TrimSpace(phoneTagRe.ReplaceAllString(note, ""))
	tag := PhoneTag(phone)
	if note == "" {
		return tag
	}
	return tag + " " + note
}

// PhoneFromNote extracts the phone marker.
func PhoneFromNote(note string) (string, bool) {
	m := phoneTagRe.FindStringSubmatch(note)
	if m == nil {
		return "", false
	}
	p := NormalizePhone(m[1])
	return p, p != ""
}

// MatchesPhone reports whether r belongs to phone, by note marker or by the
// patient's registered number.
func MatchesPhone(r Reserve, phone string) bool {
	want := NormalizePhone(phone)
	if want == "" {
		return false
	}
	if p, ok := PhoneFromNote(r.Note); ok && p == want {
		return true
	}
	return NormalizePhone(r.PatientTel) == want
}
