package fasq

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keySeparator delimits segments inside a structured QueryKey.
const keySeparator = "::"

// maxLiteralSegment is the longest segment kept verbatim; longer segments
// are replaced by their xxhash digest to keep keys bounded.
const maxLiteralSegment = 128

// KeyOf builds a deterministic QueryKey from one or more segments. Primitive
// values serialize directly; maps serialize with sorted keys; everything
// else falls back to JSON. Segments longer than maxLiteralSegment bytes are
// collapsed to an xxhash digest so large parameter payloads stay usable as
// keys.
func KeyOf(parts ...any) QueryKey {
	if len(parts) == 0 {
		return ""
	}
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		segments = append(segments, serializeSegment(part))
	}
	return QueryKey(strings.Join(segments, keySeparator))
}

func serializeSegment(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = "nil"
	case string:
		s = t
	case QueryKey:
		s = string(t)
	case bool:
		s = strconv.FormatBool(t)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	case float64:
		s = strconv.FormatFloat(t, 'g', -1, 64)
	case map[string]any:
		s = serializeMap(t)
	case fmt.Stringer:
		s = t.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%+v", v)
		} else {
			s = string(raw)
		}
	}
	if len(s) > maxLiteralSegment {
		return "x:" + strconv.FormatUint(xxhash.Sum64String(s), 16)
	}
	return s
}

// serializeMap renders map segments with sorted keys for deterministic
// output across runs.
func serializeMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(serializeSegment(m[k]))
	}
	b.WriteByte('}')
	return b.String()
}
