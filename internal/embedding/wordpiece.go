package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const maxWordRunes = 100

// wordPiece is a BERT-style tokenizer: basic splitting followed by greedy
// longest-match-first subword lookup.
type wordPiece struct {
	vocab     map[string]int
	unkToken  string
	lowercase bool
}

func loadVocab(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	id := 0
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if _, dup := vocab[token]; !dup {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab %s is empty", path)
	}
	return vocab, nil
}

// ids returns the vocabulary ids of text, dropping unknown words.
func (w *wordPiece) ids(text string, limit int) []int {
	var out []int
	for _, word := range w.basicTokens(text) {
		for _, piece := range w.pieces(word) {
			if piece == w.unkToken {
				continue
			}
			out = append(out, w.vocab[piece])
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func (w *wordPiece) basicTokens(text string) []string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		case isCJK(r) || isPunct(r):
			sb.WriteRune(' ')
			sb.WriteRune(r)
			sb.WriteRune(' ')
		default:
			if w.lowercase {
				r = unicode.ToLower(r)
			}
			sb.WriteRune(r)
		}
	}
	return strings.Fields(sb.String())
}

// pieces splits one word into subword tokens, or returns the unknown token
// when some part of it is not in the vocabulary.
func (w *wordPiece) pieces(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []string{w.unkToken}
	}

	var out []string
	for start := 0; start < len(runes); {
		end := len(runes)
		found := ""
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := w.vocab[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{w.unkToken}
		}
		out = append(out, found)
		start = end
	}
	return out
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
}

func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
