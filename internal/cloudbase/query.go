package cloudbase

import (
	"fmt"
	"sort"
	"strings"
)

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)

// quote renders s as a single-quoted literal for a store query expression.
func quote(s string) string {
	return "'" + quoteReplacer.Replace(s) + "'"
}

// LatestQuery selects the single newest record of collection.
func LatestQuery(collection string) string {
	return fmt.Sprintf("db.collection(%s).orderBy('timestamp', 'desc').limit(1).get()", quote(collection))
}

// CompleteQuery marks the record id of collection as completed.
func CompleteQuery(collection, id string) string {
	return fmt.Sprintf("db.collection(%s).doc(%s).update({data:{status:'completed'}})", quote(collection), quote(id))
}

// AddQuery inserts one document with string fields. Keys are emitted sorted.
func AddQuery(collection string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, quote(fields[k])))
	}
	return fmt.Sprintf("db.collection(%s).add({data: {%s}})", quote(collection), strings.Join(parts, ", "))
}
