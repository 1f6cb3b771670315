package ingest

import (
	"strings"
	"testing"
)

const goBasicsPDF = `%PDF-1.7
1 0 obj
<< /Type /Catalog /Pages 2 0 R >>
endobj
2 0 obj
<< /Type /Pages /Kids [] /Count 0 >>
endobj
3 0 obj
<<
/Title (Go Basics \(2nd edition\))
/Author <FEFF004100640061>
/Subject (An introduction to Go)
>>
endobj
trailer
<< /Root 1 0 R /Info 3 0 R >>
%%EOF`

func TestParsePDFMetadata_InfoDictionary(t *testing.T) {
	meta := ParsePDFMetadata([]byte(goBasicsPDF))
	want := PDFMetadata{Title: "Go Basics (2nd edition)", Author: "Ada", Subject: "An introduction to Go"}
	if *meta != want {
		t.Errorf("ParsePDFMetadata = %+v, want %+v", *meta, want)
	}
}

func TestParsePDFMetadata_InfoInTrailerOfLargeFile(t *testing.T) {
	data := "%PDF-1.7\n" + strings.Repeat("stream bytes ", 20000) +
		"\n9 0 obj\n<< /Title (Go Advanced) >>\nendobj\n%%EOF"
	meta := ParsePDFMetadata([]byte(data))
	if meta.Title != "Go Advanced" {
		t.Errorf("Title = %q, want Go Advanced", meta.Title)
	}

	buried := "%PDF-1.7\n" + strings.Repeat("a", headWindow) + "/Title (Lost)" + strings.Repeat("b", 2*tailWindow)
	if got := ParsePDFMetadata([]byte(buried)).Title; got != "" {
		t.Errorf("Title outside both windows = %q, want empty", got)
	}
}

func TestParsePDFMetadata_NoInfo(t *testing.T) {
	meta := ParsePDFMetadata([]byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF"))
	if *meta != (PDFMetadata{}) {
		t.Errorf("ParsePDFMetadata = %+v, want empty", *meta)
	}
}

func TestUnescapeLiteral(t *testing.T) {
	tests := map[string]string{
		`Go Basics`:               "Go Basics",
		`Line one\nLine two`:      "Line one\nLine two",
		`Go \(the language\)`:     "Go (the language)",
		`C:\\books\\go.pdf`:       `C:\books\go.pdf`,
		`\\n stays a backslash-n`: `\n stays a backslash-n`,
		"  padded  ":              "padded",
	}
	for in, want := range tests {
		if got := unescapeLiteral(in); got != want {
			t.Errorf("unescapeLiteral(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeHexString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"FEFF0047006F", "Go"},
		{"feff00410064", "Ad"},
		{"0047006F", "Go"},
		{"476F21", "Go!"},
		{"ABC", ""},
		{"", ""},
		{"FEFF00470020", "G"},
	}
	for _, tt := range tests {
		if got := decodeHexString(tt.in); got != tt.want {
			t.Errorf("decodeHexString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestASCIIPunctuation(t *testing.T) {
	tests := map[string]string{
		"\u201CGo\u201D Basics":  `"Go" Basics`,
		"Ada\u2019s notes":        "Ada's notes",
		"2019\u20132024\u2014now": "2019-2024--now",
		"Chapter 1\u2026":         "Chapter 1...",
		"Go\u00A0Basics":          "Go Basics",
		"\u2022 Goroutines":       "* Goroutines",
		"\u00ABChannels\u00BB":    "<<Channels>>",
		"plain ascii":             "plain ascii",
	}
	for in, want := range tests {
		if got := asciiPunctuation(in); got != want {
			t.Errorf("asciiPunctuation(%q) = %q, want %q", in, got, want)
		}
	}
}
