package vault

import (
	"sort"

	"github.com/zeebo/blake3"

	"mcphost-go/internal/logs"
)

// MinMaskLength is the shortest secret segment Mask looks for. Shorter values would
// mask ordinary words.
const MinMaskLength = 4

type fingerprint [32]byte

// fingerprints indexes keyed BLAKE3 digests of stored secrets by byte length. Only the
// digests are kept, never a plaintext copy. Callers hold the vault lock.
type fingerprints struct {
	key   []byte
	byLen map[int]map[fingerprint]int // digest -> reference count
}

func newFingerprints(key []byte) *fingerprints {
	return &fingerprints{key: key, byLen: make(map[int]map[fingerprint]int)}
}

func (f *fingerprints) sum(h *blake3.Hasher, segment []byte) fingerprint {
	var fp fingerprint
	h.Reset()
	_, _ = h.Write(segment)
	h.Sum(fp[:0])
	return fp
}

func (f *fingerprints) hasher() *blake3.Hasher {
	h, err := blake3.NewKeyed(f.key)
	if err != nil {
		// key length is fixed at construction
		panic(err)
	}
	return h
}

// add registers segment and returns its digest and length for later removal
func (f *fingerprints) add(segment []byte) (fingerprint, int, bool) {
	if len(segment) < MinMaskLength {
		return fingerprint{}, 0, false
	}
	fp := f.sum(f.hasher(), segment)
	set, ok := f.byLen[len(segment)]
	if !ok {
		set = make(map[fingerprint]int)
		f.byLen[len(segment)] = set
	}
	set[fp]++
	return fp, len(segment), true
}

func (f *fingerprints) remove(fp fingerprint, n int) {
	set, ok := f.byLen[n]
	if !ok {
		return
	}
	if set[fp]--; set[fp] <= 0 {
		delete(set, fp)
	}
	if len(set) == 0 {
		delete(f.byLen, n)
	}
}

func (f *fingerprints) reset() {
	f.byLen = make(map[int]map[fingerprint]int)
}

type span struct{ start, end int }

// find returns the byte ranges of text whose digest matches a stored secret
func (f *fingerprints) find(text string) []span {
	if len(f.byLen) == 0 || len(text) < MinMaskLength {
		return nil
	}
	h := f.hasher()
	buf := []byte(text)

	var spans []span
	for n, set := range f.byLen {
		for i := 0; i+n <= len(buf); i++ {
			if _, ok := set[f.sum(h, buf[i:i+n])]; ok {
				spans = append(spans, span{i, i + n})
				i += n - 1
			}
		}
	}
	return mergeSpans(spans)
}

func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// maskableSegment is the part of raw that Mask hides. For connection strings that is the
// password; masking the whole URL would also hide host names needed for debugging.
func maskableSegment(raw string) string {
	if m := logs.ConnectionStringPassword.FindStringSubmatch(raw); m != nil {
		return m[2]
	}
	return raw
}

// Mask replaces every occurrence of a stored secret, and the password of any connection
// string, with a fixed mask.
func (v *Vault) Mask(text string) string {
	if text == "" {
		return text
	}

	v.mu.RLock()
	spans := v.fps.find(text)
	v.mu.RUnlock()

	if len(spans) > 0 {
		out := make([]byte, 0, len(text))
		prev := 0
		for _, s := range spans {
			out = append(out, text[prev:s.start]...)
			out = append(out, logs.MaskString...)
			prev = s.end
		}
		out = append(out, text[prev:]...)
		text = string(out)
	}

	return logs.ConnectionStringPassword.ReplaceAllString(text, "${1}"+logs.MaskString+"${3}")
}
