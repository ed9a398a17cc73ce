package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/rmsync/internal/protocol"
	"github.com/marcus-qen/rmsync/internal/readmodel"
)

const topRoutes = 3

// summarize renders a one-line view of a snapshot.
func summarize(id string, snap *readmodel.Value) string {
	if snap == nil {
		return id + " (no snapshot)"
	}
	if id == "route_stats" {
		if line, ok := summarizeRoutes(snap); ok {
			return line
		}
	}

	var b strings.Builder
	b.WriteString(id)
	if v, ok := snap.Field("version"); ok {
		if n, ok := v.NumberValue(); ok {
			fmt.Fprintf(&b, " v%s", n)
		}
	}
	switch {
	case snap.Kind() == readmodel.KindArray:
		fmt.Fprintf(&b, " items=%d", snap.Len())
	case hasArray(snap, "items"):
		items, _ := snap.Field("items")
		fmt.Fprintf(&b, " items=%d", items.Len())
	case snap.Kind() == readmodel.KindObject:
		fmt.Fprintf(&b, " keys=%d", snap.Len())
	default:
		fmt.Fprintf(&b, " %s", snap)
	}
	return b.String()
}

type routeLine struct {
	path   string
	hits   int64
	errors int64
	p95    int64
}

// summarizeRoutes lists the slowest routes by p95 from routes.by_path.
func summarizeRoutes(snap *readmodel.Value) (string, bool) {
	byPath, ok := snap.Lookup("/routes/by_path")
	if !ok || byPath.Kind() != readmodel.KindObject {
		return "", false
	}
	routes := make([]routeLine, 0, byPath.Len())
	for _, path := range byPath.Keys() {
		stat, _ := byPath.Field(path)
		routes = append(routes, routeLine{
			path:   path,
			hits:   intField(stat, "hits"),
			errors: intField(stat, "errors"),
			p95:    intField(stat, "p95_ms"),
		})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].p95 != routes[j].p95 {
			return routes[i].p95 > routes[j].p95
		}
		return routes[i].path < routes[j].path
	})

	var b strings.Builder
	fmt.Fprintf(&b, "route_stats routes=%d", len(routes))
	for i, r := range routes {
		if i == topRoutes {
			break
		}
		fmt.Fprintf(&b, " | %s p95=%dms hits=%d errors=%d", r.path, r.p95, r.hits, r.errors)
	}
	if published, ok := snap.Lookup("/bus/published"); ok {
		if n, ok := published.NumberValue(); ok {
			fmt.Fprintf(&b, " | bus published=%s", n)
		}
	}
	return b.String(), true
}

func intField(v *readmodel.Value, key string) int64 {
	f, ok := v.Field(key)
	if !ok {
		return 0
	}
	n, ok := f.NumberValue()
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		fl, ferr := n.Float64()
		if ferr != nil {
			return 0
		}
		return int64(fl)
	}
	return i
}

func hasArray(v *readmodel.Value, key string) bool {
	f, ok := v.Field(key)
	return ok && f.Kind() == readmodel.KindArray
}

// selectView narrows a snapshot to the subtree at pointer. An empty pointer
// keeps the whole snapshot.
func selectView(snap *readmodel.Value, pointer string) (*readmodel.Value, error) {
	if pointer == "" || snap == nil {
		return snap, nil
	}
	v, ok := snap.Lookup(pointer)
	if !ok {
		return nil, fmt.Errorf("filter %q matches nothing", pointer)
	}
	return v, nil
}

// formatEnvelope renders one envelope for tail output.
func formatEnvelope(env protocol.Envelope) string {
	var b strings.Builder
	b.WriteString(env.Received.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(string(env.Kind))
	if env.EventID != "" {
		fmt.Fprintf(&b, " #%s", env.EventID)
	}
	if len(env.Env.Data) > 0 {
		b.WriteByte(' ')
		b.Write(compact(env.Env.Data))
	}
	return b.String()
}

func compact(data json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}
