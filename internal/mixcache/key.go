package mixcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/stemsplit/api/internal/model"
)

const keyLength = 16

var keyPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Settings is a MixRequest with every default filled in.
type Settings struct {
	Gains      map[model.Stem]float64
	PitchShift int
	Format     model.OutputFormat
}

// Normalize validates a request and fills defaults so that semantically
// identical requests produce identical settings.
func Normalize(req *model.MixRequest) (Settings, error) {
	s := Settings{
		Gains:      make(map[model.Stem]float64, len(model.AllStems)),
		PitchShift: req.PitchShift,
		Format:     req.OutputFormat,
	}
	for _, stem := range model.AllStems {
		s.Gains[stem] = 1
	}
	for name, gain := range req.Gains {
		stem, ok := model.ParseStem(name)
		if !ok {
			return Settings{}, fmt.Errorf("unknown stem %q", name)
		}
		if math.IsNaN(gain) || gain < 0 || gain > 2 {
			return Settings{}, fmt.Errorf("gain for %s must be between 0 and 2", stem)
		}
		s.Gains[stem] = math.Round(gain*10000) / 10000
	}
	if s.PitchShift < -12 || s.PitchShift > 12 {
		return Settings{}, fmt.Errorf("pitch shift must be between -12 and 12")
	}
	switch s.Format {
	case model.FormatMP4, model.FormatMP3, model.FormatM4A, model.FormatWAV:
	default:
		return Settings{}, fmt.Errorf("unsupported output format %q", s.Format)
	}
	return s, nil
}

// canonical renders settings as JSON with lexicographically sorted keys at
// every level. encoding/json sorts map keys.
func canonical(s Settings) []byte {
	gains := make(map[string]float64, len(s.Gains))
	for stem, g := range s.Gains {
		gains[string(stem)] = g
	}
	doc := map[string]interface{}{
		"gains":        gains,
		"outputFormat": string(s.Format),
		"pitchShift":   s.PitchShift,
	}
	out, _ := json.Marshal(doc)
	return out
}

// Key derives the cache key for a job and normalized settings.
func Key(jobID string, s Settings) string {
	sum := sha256.Sum256(append([]byte(jobID+":"), canonical(s)...))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// ValidKey reports whether key has the shape Key produces.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}
