package persistence

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-odm/core/query"
	"github.com/asaidimu/go-odm/internal/matching"
)

// ApplyFindOptions sorts and pages an in-process result set the way a
// document server would. Projection is applied by the backends that copy
// records; this helper leaves record contents alone.
func ApplyFindOptions(records []map[string]any, opts *query.FindOptions) []map[string]any {
	if opts == nil {
		return records
	}
	if len(opts.Sort) > 0 {
		sorted := append([]map[string]any(nil), records...)
		sort.SliceStable(sorted, func(i, j int) bool {
			for _, key := range opts.Sort {
				dir := 1
				switch d := key.Value.(type) {
				case int:
					dir = d
				case int32:
					dir = int(d)
				case int64:
					dir = int(d)
				}
				c := matching.Compare(recordValue(sorted[i], key.Key), recordValue(sorted[j], key.Key))
				if c == 0 {
					continue
				}
				if dir < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		records = sorted
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(records)) {
			return nil
		}
		records = records[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < int64(len(records)) {
		records = records[:opts.Limit]
	}
	return records
}

func recordValue(rec map[string]any, path string) any {
	var cur any = rec
	for _, seg := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[seg]
		case bson.M:
			cur = m[seg]
		default:
			return nil
		}
	}
	return cur
}

// SeedFromFilter builds the base record of an upsert from the filter's
// direct equality conditions; operator conditions contribute nothing.
func SeedFromFilter(filter bson.M) map[string]any {
	rec := map[string]any{}
	for k, v := range filter {
		if strings.HasPrefix(k, "$") {
			continue
		}
		if m, ok := v.(bson.M); ok {
			isOperator := len(m) > 0
			for op := range m {
				if !strings.HasPrefix(op, "$") {
					isOperator = false
					break
				}
			}
			if isOperator {
				continue
			}
		}
		rec[k] = v
	}
	return rec
}
