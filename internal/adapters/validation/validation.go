package validation

import (
	"embed"
	"reflect"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Reports checks decoded reports against the struct tags of domain.Report.
type Reports struct {
	v *validator.Validate
}

func NewReports() *Reports {
	v := validator.New()
	_ = v.RegisterValidation("schema_version", func(fl validator.FieldLevel) bool {
		_, err := semver.StrictNewVersion(fl.Field().String())
		return err == nil
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Reports{v: v}
}

func (r *Reports) ValidateReport(rep *domain.Report) error {
	if rep == nil {
		return domain.Invalid(errors.New("nil report"), "report")
	}
	if err := r.v.Struct(rep); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
			}
			return domain.Invalid(errors.New(strings.Join(msgs, "; ")), "report "+rep.Process.ID)
		}
		return domain.Invalid(err, "report")
	}
	return nil
}

// Documents validates the canonical documents against embedded JSON schemas.
type Documents struct {
	state   *gojsonschema.Schema
	metrics *gojsonschema.Schema
}

func NewDocuments() (*Documents, error) {
	state, err := loadSchema("schemas/state.json")
	if err != nil {
		return nil, err
	}
	metrics, err := loadSchema("schemas/metrics.json")
	if err != nil {
		return nil, err
	}
	return &Documents{state: state, metrics: metrics}, nil
}

func loadSchema(path string) (*gojsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", path)
	}
	return s, nil
}

func (d *Documents) ValidateState(s *domain.State) error {
	return validateDoc(d.state, s, "state")
}

func (d *Documents) ValidateMetrics(m *domain.Metrics) error {
	return validateDoc(d.metrics, m, "metrics")
}

func validateDoc(schema *gojsonschema.Schema, doc any, what string) error {
	res, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return domain.Invalid(err, what)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return domain.Invalid(errors.New(strings.Join(msgs, "; ")), what)
}

var (
	_ ports.ReportValidator   = (*Reports)(nil)
	_ ports.DocumentValidator = (*Documents)(nil)
)
