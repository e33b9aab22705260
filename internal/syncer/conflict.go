package syncer

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// itemSnapshot is the comparable projection of one tracker item. The local
// side is derived from stored epic state, the remote side from the tracker.
type itemSnapshot struct {
	Body   string
	Labels []string
	State  string
}

// detectChanges compares two snapshots field by field and returns one
// conflict per differing field. Label order never counts as a difference.
func detectChanges(local, remote itemSnapshot, now time.Time) []models.Conflict {
	var out []models.Conflict
	add := func(key string, lv, rv any) {
		out = append(out, models.Conflict{
			ID:          uuid.NewString(),
			Key:         key,
			LocalValue:  lv,
			RemoteValue: rv,
			Timestamp:   now,
		})
	}
	if local.Body != remote.Body {
		add("body", local.Body, remote.Body)
	}
	if !sameSet(local.Labels, remote.Labels) {
		add("labels", local.Labels, remote.Labels)
	}
	if local.State != remote.State {
		add("state", local.State, remote.State)
	}
	return out
}

// resolveValue applies a resolution strategy to one conflicting field.
// Under merge, arrays union, maps shallow-merge with remote entries winning,
// and primitive scalars always take the remote value.
func resolveValue(local, remote any, strategy string) (any, error) {
	switch strategy {
	case models.ResolveLocalWins:
		return local, nil
	case models.ResolveRemoteWins:
		return remote, nil
	case models.ResolveMerge:
		return mergeValues(local, remote), nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

func mergeValues(local, remote any) any {
	lv := reflect.ValueOf(local)
	rv := reflect.ValueOf(remote)
	if lv.Kind() == reflect.Slice && rv.Kind() == reflect.Slice {
		return unionSlices(lv, rv)
	}
	if lm, ok := local.(map[string]any); ok {
		if rm, ok := remote.(map[string]any); ok {
			out := make(map[string]any, len(lm)+len(rm))
			for k, v := range lm {
				out[k] = v
			}
			for k, v := range rm {
				out[k] = v
			}
			return out
		}
	}
	return remote
}

// unionSlices keeps local order, appends unseen remote elements, then sorts
// string unions so the result is deterministic.
func unionSlices(lv, rv reflect.Value) any {
	if ls, ok := lv.Interface().([]string); ok {
		if rs, ok := rv.Interface().([]string); ok {
			seen := make(map[string]bool, len(ls))
			out := make([]string, 0, len(ls)+len(rs))
			for _, s := range ls {
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
			for _, s := range rs {
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
			sort.Strings(out)
			return out
		}
	}
	seen := make(map[any]bool, lv.Len())
	out := make([]any, 0, lv.Len()+rv.Len())
	for i := 0; i < lv.Len(); i++ {
		v := lv.Index(i).Interface()
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for i := 0; i < rv.Len(); i++ {
		v := rv.Index(i).Interface()
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
