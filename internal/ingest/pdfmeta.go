package ingest

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf16"
)

// PDFMetadata is the part of a PDF Info dictionary used to prefill a draft.
type PDFMetadata struct {
	Title   string
	Author  string
	Subject string
}

// The Info dictionary sits near the start of most files, or in the trailer.
const (
	headWindow = 64 << 10
	tailWindow = 8 << 10
)

type fieldPatterns struct{ literal, hexString *regexp.Regexp }

var infoFields = map[string]fieldPatterns{}

func init() {
	for _, name := range []string{"Title", "Author", "Subject"} {
		infoFields[name] = fieldPatterns{
			literal:   regexp.MustCompile(`/` + name + `\s*\(((?:\\.|[^\\)])*)\)`),
			hexString: regexp.MustCompile(`/` + name + `\s*<([0-9A-Fa-f]+)>`),
		}
	}
}

// ParsePDFMetadata reads Title, Author and Subject from a PDF. Fields that
// are absent, compressed or encrypted come back empty.
func ParsePDFMetadata(data []byte) *PDFMetadata {
	text := data
	if len(data) > headWindow+tailWindow {
		text = make([]byte, 0, headWindow+tailWindow+1)
		text = append(text, data[:headWindow]...)
		text = append(text, '\n')
		text = append(text, data[len(data)-tailWindow:]...)
	}
	return &PDFMetadata{
		Title:   infoField(text, "Title"),
		Author:  infoField(text, "Author"),
		Subject: infoField(text, "Subject"),
	}
}

func infoField(text []byte, name string) string {
	p := infoFields[name]
	if m := p.literal.FindSubmatch(text); m != nil {
		return asciiPunctuation(unescapeLiteral(string(m[1])))
	}
	if m := p.hexString.FindSubmatch(text); m != nil {
		return asciiPunctuation(decodeHexString(string(m[1])))
	}
	return ""
}

var literalEscapes = strings.NewReplacer(
	`\n`, "\n", `\r`, "\r", `\t`, "\t",
	`\(`, "(", `\)`, ")", `\\`, `\`,
)

func unescapeLiteral(s string) string {
	return strings.TrimSpace(literalEscapes.Replace(s))
}

// decodeHexString decodes a hex string, as UTF-16BE when it has an even
// number of bytes. A leading byte order mark is dropped.
func decodeHexString(s string) string {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ""
	}
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		raw = raw[2:]
	}
	if len(raw)%2 != 0 {
		return string(raw)
	}
	u := make([]uint16, len(raw)/2)
	for i := range u {
		u[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return strings.TrimSpace(string(utf16.Decode(u)))
}

var punctuation = strings.NewReplacer(
	"\u201C", `"`, "\u201D", `"`,
	"\u2018", "'", "\u2019", "'",
	"\u2013", "-", "\u2014", "--",
	"\u2026", "...",
	"\u00A0", " ",
	"\u2022", "*",
	"\u00AB", "<<", "\u00BB", ">>",
)

// asciiPunctuation replaces typographic punctuation so titles print cleanly
// in any terminal.
func asciiPunctuation(s string) string {
	return punctuation.Replace(s)
}
