package migrate

import (
	"context"
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/adapters/codec"
	"github.com/ghalamif/fleetlog/internal/adapters/observability"
	"github.com/ghalamif/fleetlog/internal/app/publish"
	"github.com/ghalamif/fleetlog/internal/app/schema"
	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// versionless documents predate schema versioning and get every migration.
const versionless = "0.0.0"

// Migrator brings the persisted documents up to the versions of this build.
type Migrator struct {
	log        ports.Log
	codec      *codec.Codec
	publisher  *publish.Publisher
	topics     publish.Topics
	migrations []Migration
	obs        ports.Observability
}

func New(log ports.Log, c *codec.Codec, p *publish.Publisher, topics publish.Topics, migrations []Migration, obs ports.Observability) *Migrator {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Migrator{log: log, codec: c, publisher: p, topics: topics, migrations: migrations, obs: obs}
}

// Run applies pending migrations and republishes the documents if any ran.
// A document newer than this build fails with ErrSchemaIncompatible before
// anything is modified. Missing documents are left for the materializer to
// seed.
func (m *Migrator) Run(ctx context.Context) (bool, error) {
	state, err := m.load(ctx, m.topics.States, domain.StateKey)
	if err != nil {
		return false, err
	}
	metrics, err := m.load(ctx, m.topics.Metrics, domain.MetricsKey)
	if err != nil {
		return false, err
	}

	docs := map[Target]Document{TargetState: state, TargetMetrics: metrics}
	current := map[Target]string{TargetState: domain.StateSchemaVersion, TargetMetrics: domain.MetricsSchemaVersion}
	versions := map[Target]string{}
	for target, doc := range docs {
		if doc == nil {
			continue
		}
		v := versionOf(doc)
		cur := semver.MustParse(current[target])
		if schema.Classify(cur, v) == schema.Newer {
			return false, domain.Incompatible("%s document is at %q, this build supports %s", target, v, current[target])
		}
		versions[target] = v
	}

	ran := false
	for _, mig := range m.migrations {
		doc := docs[mig.Target]
		if doc == nil || !schema.Less(versions[mig.Target], mig.Until) {
			continue
		}
		if err := mig.Apply(doc); err != nil {
			return false, errors.Wrapf(err, "migration %q", mig.Name)
		}
		ran = true
		m.obs.LogInfo("migration_applied",
			ports.Field{Key: "migration", Value: mig.Name},
			ports.Field{Key: "from", Value: versions[mig.Target]},
		)
	}
	if !ran {
		return false, nil
	}

	var (
		typedState   *domain.State
		typedMetrics *domain.Metrics
	)
	if state != nil {
		state["schema_version"] = domain.StateSchemaVersion
		typedState = &domain.State{}
		if err := convert(state, typedState); err != nil {
			return false, errors.Wrap(err, "migrated state")
		}
	}
	if metrics != nil {
		metrics["schema_version"] = domain.MetricsSchemaVersion
		typedMetrics = &domain.Metrics{}
		if err := convert(metrics, typedMetrics); err != nil {
			return false, errors.Wrap(err, "migrated metrics")
		}
	}
	if err := m.publisher.PublishSync(ctx, typedState, typedMetrics); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Migrator) load(ctx context.Context, topic, key string) (Document, error) {
	rec, err := m.log.Latest(ctx, topic, []byte(key))
	if errors.Is(err, domain.ErrMissingDocument) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", key)
	}
	raw, err := m.codec.Raw(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func versionOf(doc Document) string {
	v, ok := doc["schema_version"].(string)
	if !ok || v == "" {
		return versionless
	}
	return v
}

func convert(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
