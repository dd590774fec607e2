package autoplay

import (
	"regexp"
	"strings"
)

var (
	bracketed    = regexp.MustCompile(`\s*[\[(【][^\])】]*[\])】]`)
	featuring    = regexp.MustCompile(`(?i)\s+(feat\.?|ft\.?|featuring)\s.*$`)
	videoNoise   = regexp.MustCompile(`(?i)\b(official\s+(music\s+)?(video|audio|lyric\s+video|visualizer)|lyrics?|hd|hq|4k|remastered)\b`)
	authorSuffix = regexp.MustCompile(`(?i)(\s*-\s*topic|vevo|\s+official|\s+music)$`)
	yearPattern  = regexp.MustCompile(`\b(19[5-9]\d|20[0-4]\d)\b`)
	spaces       = regexp.MustCompile(`\s+`)
)

// genreKeywords maps a lower-case keyword found in a title or author to the
// genre used in discovery queries. Order matters for multi-word keywords.
var genreKeywords = []struct {
	keyword string
	genre   string
}{
	{"lo-fi", "lofi hip hop"},
	{"lofi", "lofi hip hop"},
	{"hip hop", "hip hop"},
	{"hip-hop", "hip hop"},
	{"rap", "hip hop"},
	{"trap", "trap"},
	{"drum and bass", "drum and bass"},
	{"dnb", "drum and bass"},
	{"dubstep", "dubstep"},
	{"house", "house"},
	{"techno", "techno"},
	{"trance", "trance"},
	{"edm", "edm"},
	{"remix", "edm"},
	{"synthwave", "synthwave"},
	{"phonk", "phonk"},
	{"metal", "metal"},
	{"punk", "punk rock"},
	{"rock", "rock"},
	{"indie", "indie"},
	{"jazz", "jazz"},
	{"blues", "blues"},
	{"soul", "soul"},
	{"funk", "funk"},
	{"r&b", "r&b"},
	{"reggae", "reggae"},
	{"country", "country"},
	{"folk", "folk"},
	{"acoustic", "acoustic"},
	{"piano", "classical piano"},
	{"classical", "classical"},
	{"orchestra", "classical"},
	{"k-pop", "kpop"},
	{"kpop", "kpop"},
	{"j-pop", "jpop"},
	{"anime", "anime"},
	{"opening", "anime"},
	{"ost", "soundtrack"},
	{"soundtrack", "soundtrack"},
	{"pop", "pop"},
}

var moods = []string{"chill", "upbeat", "relaxing", "energetic", "melancholic", "feel good"}

// cleanTitle strips bracketed noise, featured artists and video markers.
func cleanTitle(s string) string {
	s = bracketed.ReplaceAllString(s, "")
	s = featuring.ReplaceAllString(s, "")
	s = videoNoise.ReplaceAllString(s, "")
	return collapse(s)
}

// cleanAuthor strips channel-name suffixes like "- Topic" and "VEVO".
func cleanAuthor(s string) string {
	s = collapse(s)
	for {
		next := collapse(authorSuffix.ReplaceAllString(s, ""))
		if next == s {
			return s
		}
		s = next
	}
}

func collapse(s string) string {
	s = spaces.ReplaceAllString(s, " ")
	return strings.Trim(s, " -|·")
}

// splitArtist splits "Artist - Song" titles. ok is false when the title has
// no separator.
func splitArtist(title string) (artist, song string, ok bool) {
	artist, song, ok = strings.Cut(title, " - ")
	if !ok {
		return "", title, false
	}
	return collapse(artist), collapse(song), artist != "" && song != ""
}

// genres returns the distinct genres whose keyword appears in text.
func genres(text string) []string {
	text = strings.ToLower(text)
	seen := make(map[string]bool)
	var out []string
	for _, g := range genreKeywords {
		if !containsWord(text, g.keyword) || seen[g.genre] {
			continue
		}
		seen[g.genre] = true
		out = append(out, g.genre)
	}
	return out
}

// containsWord reports whether kw appears in text bounded by non-letters.
func containsWord(text, kw string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isLetter(text[start-1])) && (end == len(text) || !isLetter(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func year(text string) string {
	return yearPattern.FindString(text)
}

// normalize lower-cases a title for duplicate checks.
func normalize(s string) string {
	return strings.ToLower(cleanTitle(s))
}
