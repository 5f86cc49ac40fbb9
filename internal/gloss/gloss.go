// Package gloss renders text word-for-word through a small lookup table.
//
// The mapping is lexical only: no grammar, no reordering and no
// morphology. Tokens without an entry pass through with their original
// casing.
package gloss

import "strings"

// Dictionary maps lowercase source words to target words or phrases.
type Dictionary map[string]string

var tamil = map[string]string{
	"hi":          "வணக்கம்",
	"hello":       "வணக்கம்",
	"pongal":      "பொங்கல்",
	"happy":       "இனிய",
	"menu":        "உணவு பட்டியல்",
	"food":        "உணவு",
	"eat":         "சாப்பிடு",
	"thanks":      "நன்றி",
	"what":        "என்ன",
	"is":          "இருக்கிறது",
	"special":     "சிறப்பு",
	"tell":        "சொல்லுங்கள்",
	"me":          "எனக்கு",
	"about":       "பற்றி",
	"come":        "வாருங்கள்",
	"advantages":  "நன்மைகள்",
	"benefits":    "பலன்கள்",
	"festival":    "பண்டிகை",
	"celebration": "கொண்டாட்டம்",
}

// Default returns a fresh copy of the built-in English to Tamil table.
func Default() Dictionary {
	d := make(Dictionary, len(tamil))
	for k, v := range tamil {
		d[k] = v
	}
	return d
}

// Gloss splits text on whitespace, replaces each token whose lowercase
// form is a key and joins the result with single spaces.
func (d Dictionary) Gloss(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		if v, ok := d[strings.ToLower(w)]; ok {
			words[i] = v
		}
	}
	return strings.Join(words, " ")
}

// Merge returns a new dictionary with extra applied on top of d. Keys are
// lowercased; an empty value deletes the key.
func (d Dictionary) Merge(extra map[string]string) Dictionary {
	out := make(Dictionary, len(d)+len(extra))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range extra {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
