package archive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
)

// CompressionLevel selects how new entries are compressed. Entries carried
// over from an existing archive keep their original compression.
type CompressionLevel int

const (
	LevelNone            CompressionLevel = flate.NoCompression
	LevelBestSpeed       CompressionLevel = flate.BestSpeed
	LevelDefault         CompressionLevel = flate.DefaultCompression
	LevelBestCompression CompressionLevel = flate.BestCompression
)

var levelNames = map[string]CompressionLevel{
	"none":            LevelNone,
	"bestspeed":       LevelBestSpeed,
	"default":         LevelDefault,
	"bestcompression": LevelBestCompression,
}

// ParseCompressionLevel accepts the symbolic names None, BestSpeed, Default
// and BestCompression (case-insensitive), Level0..Level9, or a bare digit.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return LevelDefault, nil
	}
	if level, ok := levelNames[key]; ok {
		return level, nil
	}

	n, err := strconv.Atoi(strings.TrimPrefix(key, "level"))
	if err != nil || n < 0 || n > 9 {
		return LevelDefault, fmt.Errorf("invalid compression level %q", s)
	}
	return CompressionLevel(n), nil
}

func (l CompressionLevel) String() string {
	switch l {
	case LevelNone:
		return "None"
	case LevelBestSpeed:
		return "BestSpeed"
	case LevelDefault:
		return "Default"
	case LevelBestCompression:
		return "BestCompression"
	}
	return "Level" + strconv.Itoa(int(l))
}

func (l CompressionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *CompressionLevel) UnmarshalText(text []byte) error {
	level, err := ParseCompressionLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}
