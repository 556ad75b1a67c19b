package migrate

import (
	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/domain"
)

// Document is a canonical document decoded into generic JSON values, so
// fields that later schemas dropped or renamed can still be read.
type Document = map[string]any

// Target is the document a migration applies to.
type Target string

const (
	TargetState   Target = "state"
	TargetMetrics Target = "metrics"
)

// Migration transforms a document whose version is strictly below Until.
type Migration struct {
	Name   string
	Target Target
	Until  string
	Apply  func(doc Document) error
}

// Registry returns every known migration in the order it must run. The
// last threshold of each target equals that target's current version.
func Registry() []Migration {
	return []Migration{
		{
			Name:   "state: listeners count becomes active/standby",
			Target: TargetState,
			Until:  "1.1.0",
			Apply: func(doc Document) error {
				child(doc, "processes")
				stats := child(doc, "stats")
				switch v := stats["listeners"].(type) {
				case map[string]any:
				case float64:
					stats["listeners"] = map[string]any{"active": v, "standby": float64(0)}
				default:
					stats["listeners"] = map[string]any{"active": float64(0), "standby": float64(0)}
				}
				return nil
			},
		},
		{
			Name:   "state: cumulative counters move under stats.totals",
			Target: TargetState,
			Until:  "1.2.0",
			Apply: func(doc Document) error {
				stats := child(doc, "stats")
				totals := child(stats, "totals")
				renames := map[string]string{"processed": "messages", "errors": "errors", "retries": "retries", "dead": "dead", "batches": "batches", "jobs": "jobs"}
				for old, name := range renames {
					v, ok := stats[old].(float64)
					if !ok {
						continue
					}
					if _, set := totals[name]; !set {
						totals[name] = v
					}
					delete(stats, old)
				}
				for _, name := range renames {
					if _, ok := totals[name]; !ok {
						totals[name] = float64(0)
					}
				}
				return nil
			},
		},
		{
			Name:   "state: schema_state is recorded",
			Target: TargetState,
			Until:  "1.3.0",
			Apply: func(doc Document) error {
				if _, ok := doc["schema_state"].(string); !ok {
					doc["schema_state"] = domain.SchemaStateAccepted
				}
				return nil
			},
		},
		{
			Name:   "state: hybrid lag gauge",
			Target: TargetState,
			Until:  "1.4.0",
			Apply: func(doc Document) error {
				stats := child(doc, "stats")
				if _, ok := stats["lag_hybrid"]; ok {
					return nil
				}
				lagStored, _ := stats["lag_stored"].(float64)
				stats["lag_hybrid"] = lagStored
				return nil
			},
		},
		{
			Name:   "metrics: consumer group series",
			Target: TargetMetrics,
			Until:  "1.1.0",
			Apply: func(doc Document) error {
				child(doc, "consumer_groups")
				child(doc, "aggregated")
				return nil
			},
		},
		{
			Name:   "metrics: hybrid lag in aggregated samples",
			Target: TargetMetrics,
			Until:  "1.2.0",
			Apply: func(doc Document) error {
				return eachSampleValue(child(doc, "aggregated"), func(v map[string]any) {
					if _, ok := v["lag_hybrid"]; !ok {
						lagStored, _ := v["lag_stored"].(float64)
						v["lag_hybrid"] = lagStored
					}
				})
			},
		},
		{
			Name:   "metrics: ls_offset_fd per topic",
			Target: TargetMetrics,
			Until:  "1.3.0",
			Apply: func(doc Document) error {
				return eachSampleValue(child(doc, "consumer_groups"), func(groups map[string]any) {
					for _, topics := range groups {
						tm, ok := topics.(map[string]any)
						if !ok {
							continue
						}
						for _, m := range tm {
							if metrics, ok := m.(map[string]any); ok {
								if _, set := metrics["ls_offset_fd"]; !set {
									metrics["ls_offset_fd"] = float64(0)
								}
							}
						}
					}
				})
			},
		},
	}
}

// child returns doc[key] as an object, creating it when absent or malformed.
func child(doc Document, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

// eachSampleValue visits the value of every [time, value] pair of a series.
func eachSampleValue(series map[string]any, fn func(v map[string]any)) error {
	for name, raw := range series {
		samples, ok := raw.([]any)
		if !ok {
			return errors.Newf("series %q is not a list", name)
		}
		for _, s := range samples {
			pair, ok := s.([]any)
			if !ok || len(pair) != 2 {
				return errors.Newf("series %q holds a malformed sample", name)
			}
			if v, ok := pair[1].(map[string]any); ok {
				fn(v)
			}
		}
	}
	return nil
}
