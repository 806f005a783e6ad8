package presence

import (
	"github.com/cespare/xxhash/v2"

	"collabtext/luvtext/common"
)

// DefaultPalette is the set of display colors handed out to collaborators.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor picks a palette entry from the site id. Every replica picks
// the same color for the same site.
func ColorFor(site common.SessionID, palette []string) string {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return palette[xxhash.Sum64(site[:])%uint64(len(palette))]
}
