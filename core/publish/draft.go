package publish

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"notegate/chain"
	"notegate/crypto"
)

// Courses are the subjects a note may be filed under.
var Courses = []string{
	"Mathematics",
	"Physics",
	"Chemistry",
	"Biology",
	"History",
	"Geography",
	"Literature",
	"English",
	"Other",
}

// ValidCourse reports whether course is one of Courses.
func ValidCourse(course string) bool {
	for _, c := range Courses {
		if c == course {
			return true
		}
	}
	return false
}

// Draft is an unpublished note as entered by the author. Price is in ether.
type Draft struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Course    string `json:"course"`
	Topic     string `json:"topic"`
	Price     string `json:"price"`
	MaxSupply string `json:"maxSupply"`
}

type parsedDraft struct {
	Draft
	priceWei  *big.Int
	maxSupply *big.Int
}

func (d Draft) parse() (parsedDraft, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Course = strings.TrimSpace(d.Course)
	d.Topic = strings.TrimSpace(d.Topic)
	d.Price = strings.TrimSpace(d.Price)
	d.MaxSupply = strings.TrimSpace(d.MaxSupply)
	switch {
	case d.Title == "":
		return parsedDraft{}, fmt.Errorf("title is required")
	case strings.TrimSpace(d.Content) == "":
		return parsedDraft{}, fmt.Errorf("content is required")
	case d.Course == "":
		return parsedDraft{}, fmt.Errorf("course is required")
	case !ValidCourse(d.Course):
		return parsedDraft{}, fmt.Errorf("course %q is not one of %s", d.Course, strings.Join(Courses, ", "))
	case d.Topic == "":
		return parsedDraft{}, fmt.Errorf("topic is required")
	case d.Price == "":
		return parsedDraft{}, fmt.Errorf("price is required")
	case d.MaxSupply == "":
		return parsedDraft{}, fmt.Errorf("maxSupply is required")
	}
	price, err := chain.EtherToWei(d.Price)
	if err != nil {
		return parsedDraft{}, fmt.Errorf("price: %w", err)
	}
	maxSupply, err := chain.ParseWei(d.MaxSupply)
	if err != nil {
		return parsedDraft{}, fmt.Errorf("maxSupply: %w", err)
	}
	if maxSupply.Sign() <= 0 {
		return parsedDraft{}, fmt.Errorf("maxSupply must be at least 1")
	}
	return parsedDraft{Draft: d, priceWei: price, maxSupply: maxSupply}, nil
}

// NoteContent is the canonical document hashed into contentHash. Field order is fixed.
type NoteContent struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Course    string `json:"course"`
	Topic     string `json:"topic"`
	Timestamp string `json:"timestamp"`
	Author    string `json:"author"`
	Price     string `json:"price"`
	MaxSupply string `json:"maxSupply"`
}

// ContentHash returns the 0x-prefixed keccak256 of the compact JSON encoding of c, byte for
// byte what a browser's JSON.stringify produces for the same document.
func ContentHash(c NoteContent) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return crypto.Keccak256Hex(unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))), nil
}

// unescapeLineSeparators writes U+2028 and U+2029 raw. encoding/json always escapes them and
// JSON.stringify never does.
func unescapeLineSeparators(encoded []byte) []byte {
	if !bytes.Contains(encoded, []byte(`\u202`)) {
		return encoded
	}
	out := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); i++ {
		if encoded[i] != '\\' {
			out = append(out, encoded[i])
			continue
		}
		if seq := encoded[i:min(i+6, len(encoded))]; bytes.Equal(seq, []byte(`\u2028`)) || bytes.Equal(seq, []byte(`\u2029`)) {
			sep := '\u2028'
			if seq[5] == '9' {
				sep = '\u2029'
			}
			out = utf8.AppendRune(out, sep)
			i += 5
			continue
		}
		out = append(out, encoded[i], encoded[i+1])
		i++
	}
	return out
}

// ISOTimestamp formats t with millisecond precision in UTC.
func ISOTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
