package markers

import (
	"context"
	"sort"
)

// ProfileDraft is the set of profile fields collected so far.
type ProfileDraft map[string]Value

// Merge applies last-write-wins. It reports false when the key already holds
// an equal value.
func (d ProfileDraft) Merge(f Field) bool {
	if cur, ok := d[f.Key]; ok && cur.Equal(f.Value) {
		return false
	}
	d[f.Key] = f.Value
	return true
}

func (d ProfileDraft) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Missing returns the required keys not yet present, in the given order.
func (d ProfileDraft) Missing(required []string) []string {
	var out []string
	for _, k := range required {
		if _, ok := d[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func (d ProfileDraft) Clone() ProfileDraft {
	out := make(ProfileDraft, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Collector merges fields into a draft and reports completion once.
type Collector struct {
	draft     ProfileDraft
	required  []string
	completed bool
}

func NewCollector(required []string) *Collector {
	req := make([]string, 0, len(required))
	seen := make(map[string]struct{}, len(required))
	for _, k := range required {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		req = append(req, k)
	}
	return &Collector{draft: make(ProfileDraft), required: req}
}

// Merge returns the fields that changed the draft and whether this merge
// completed the required key set for the first time.
func (c *Collector) Merge(fields []Field) (changed []Field, completedNow bool) {
	for _, f := range fields {
		if c.draft.Merge(f) {
			changed = append(changed, f)
		}
	}
	if !c.completed && len(c.required) > 0 && len(c.draft.Missing(c.required)) == 0 {
		c.completed = true
		completedNow = true
	}
	return changed, completedNow
}

func (c *Collector) Draft() ProfileDraft { return c.draft.Clone() }

func (c *Collector) Missing() []string { return c.draft.Missing(c.required) }

func (c *Collector) Completed() bool { return c.completed }

// FallbackExtractor derives profile fields from agent text that carried no
// markers. Implementations may call a model and should honor ctx.
type FallbackExtractor interface {
	ExtractProfile(ctx context.Context, text string, missing []string) ([]Field, error)
}
