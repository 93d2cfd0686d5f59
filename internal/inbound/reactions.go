package inbound

import (
	"path/filepath"
	"strings"
)

// Reaction is a canned reply triggered by keywords in a plain-text message.
type Reaction struct {
	Name     string
	Keywords []string // lowercase substrings
	// Audio is a file name under the reactions directory.
	Audio string
	// Missing is replied when Audio does not exist.
	Missing string
}

// Reactions is an ordered keyword table; the first matching entry wins.
type Reactions struct {
	Dir   string
	Rules []Reaction
}

// DefaultReactions returns the built-in table rooted at dir.
func DefaultReactions(dir string) *Reactions {
	return &Reactions{
		Dir: dir,
		Rules: []Reaction{{
			Name:     "vendieron",
			Keywords: []string{"vendieron", "venden", "vemdem", "vender", "vemder", "venderan", "vendiendo", "vende"},
			Audio:    "Ya_los_vendieron.mp3",
			Missing:  "Lo siento, no pude encontrar el archivo de audio 'Ya_los_vendieron.mp3'.",
		}},
	}
}

// Match returns the first reaction whose keywords occur in text,
// case-insensitively.
func (r *Reactions) Match(text string) (Reaction, bool) {
	if r == nil {
		return Reaction{}, false
	}
	lower := strings.ToLower(text)
	for _, rule := range r.Rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return rule, true
			}
		}
	}
	return Reaction{}, false
}

// AudioPath resolves a reaction's audio file.
func (r *Reactions) AudioPath(rule Reaction) string {
	return filepath.Join(r.Dir, rule.Audio)
}
