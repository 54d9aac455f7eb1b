package ingest

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ManuscriptChapter is one chapter extracted from an imported manuscript.
type ManuscriptChapter struct {
	Number int
	Title  string
	Text   string
}

// chapterHeading matches a chapter heading at the start of a line:
// "Chapter 3", "CHAPTER III: The Road", "# Chapter 3 - The Road" and the
// plain markdown "# The Road" form.
var chapterHeading = regexp.MustCompile(`(?im)^\s*(?:#{1,3}\s*)?chapter\s+(\d+|[ivxlcdm]+)\b[.:\-\s]*(.*)$`)

// markdownHeading matches a bare markdown heading used as a chapter break
// when no "Chapter N" markers exist.
var markdownHeading = regexp.MustCompile(`(?m)^\s*#{1,3}\s+(.+)$`)

// SplitManuscript splits manuscript text into chapters on heading markers.
// A manuscript with no recognizable headings comes back as one chapter.
func SplitManuscript(text string) []ManuscriptChapter {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	headings := chapterHeading.FindAllStringSubmatchIndex(text, -1)
	numbered := true
	if len(headings) == 0 {
		headings = markdownHeading.FindAllStringSubmatchIndex(text, -1)
		numbered = false
	}
	if len(headings) == 0 {
		body := strings.TrimSpace(text)
		if body == "" {
			return nil
		}
		return []ManuscriptChapter{{Number: 1, Text: body}}
	}

	var chapters []ManuscriptChapter
	for i, h := range headings {
		end := len(text)
		if i+1 < len(headings) {
			end = headings[i+1][0]
		}

		ch := ManuscriptChapter{Number: i + 1}
		if numbered {
			if n, ok := parseChapterNumber(text[h[2]:h[3]]); ok {
				ch.Number = n
			}
			ch.Title = strings.TrimSpace(text[h[4]:h[5]])
		} else {
			ch.Title = strings.TrimSpace(text[h[2]:h[3]])
		}
		ch.Text = strings.TrimSpace(text[h[1]:end])
		chapters = append(chapters, ch)
	}
	return chapters
}

// parseChapterNumber accepts decimal and roman numeral chapter numbers.
func parseChapterNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	values := map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100, 'd': 500, 'm': 1000}
	s = strings.ToLower(s)
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := values[s[i]]
		if !ok {
			return 0, false
		}
		if i+1 < len(s) && values[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	if total <= 0 {
		return 0, false
	}
	return total, true
}

// ReadPDF extracts the plain text of a PDF manuscript.
func ReadPDF(r io.ReaderAt, size int64) (string, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	text, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	content, err := io.ReadAll(text)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(content), nil
}

// skipElements are HTML elements whose text content is never prose.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"head": true, "nav": true, "footer": true,
}

// ExtractHTMLText pulls readable text out of a fetched HTML page, used when
// world-building notes are ingested by URL.
func ExtractHTMLText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}
