// Package drift reconciles declared infrastructure against the live
// state reported by the tool services. The detector produces drift
// reports; the analyzer turns them into remediation plans and runs
// them through the executor.
package drift

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	tfjson "github.com/hashicorp/terraform-json"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nimbusops/nimbus/internal/cache"
	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/drift/desired"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Detector compares desired and actual state for one provider scope.
type Detector struct {
	caps    capability.Port
	store   storage.Store
	reports cache.Cache
	ttl     time.Duration

	metrics *telemetry.Metrics
	log     logger.Logger
}

// NewDetector builds a detector. reportCache may be nil, disabling
// report reuse.
func NewDetector(caps capability.Port, store storage.Store, reportCache cache.Cache, ttl time.Duration) *Detector {
	return &Detector{
		caps:    caps,
		store:   store,
		reports: reportCache,
		ttl:     ttl,
		metrics: telemetry.GetMetrics(),
		log:     logger.New("drift"),
	}
}

// Detect loads the declared resources for the request's scope, fetches
// live state through the owning tool services and reports the sync
// status of every resource, deduplicated by address.
func (d *Detector) Detect(ctx context.Context, req models.DriftRequest) (*models.DriftReport, error) {
	if !req.Provider.Valid() {
		return nil, errors.BadInputf("unknown provider %q", req.Provider)
	}
	if req.Scope == "" {
		return nil, errors.BadInput("drift detection requires a scope")
	}

	ctx, span := telemetry.StartSpan(ctx, "drift.detect",
		attribute.String("drift.provider", string(req.Provider)),
		attribute.String("drift.scope", req.Scope))
	report, err := d.detect(ctx, req)
	telemetry.EndSpan(span, err)
	return report, err
}

func (d *Detector) detect(ctx context.Context, req models.DriftRequest) (*models.DriftReport, error) {
	key := cacheKey(req)
	if req.UseCache && d.reports != nil {
		if report, ok := d.cachedReport(ctx, key); ok {
			d.log.Debug("drift report served from cache",
				logger.String("report_id", report.ID),
				logger.String("scope", req.Scope))
			return report, nil
		}
	}

	path := req.DesiredPath
	if path == "" {
		path = req.Scope
	}
	declared, err := desired.Load(path)
	if err != nil {
		return nil, err
	}
	declared = dedupeByAddress(declared, d.log)

	actual, err := d.actualState(ctx, req, declared)
	if err != nil {
		return nil, err
	}

	items := d.buildItems(req, declared, actual)

	report := &models.DriftReport{
		ID:         uuid.NewString(),
		Provider:   req.Provider,
		Scope:      req.Scope,
		Items:      items,
		DetectedAt: time.Now().UTC(),
	}
	if err := d.store.SaveDriftReport(ctx, report); err != nil {
		return nil, err
	}

	for _, item := range items {
		d.metrics.DriftItems.WithLabelValues(string(req.Provider), string(item.Status)).Inc()
	}
	d.cacheReport(ctx, key, report)

	counts := report.CountByStatus()
	d.log.Info("drift detection finished",
		logger.String("report_id", report.ID),
		logger.String("provider", string(req.Provider)),
		logger.String("scope", req.Scope),
		logger.Int("resources", len(items)),
		logger.Int("out_of_sync", len(items)-counts[models.DriftStatusInSync]))
	return report, nil
}

// Compliance aggregates a stored report into severity counts and the
// percent of resources in sync.
func (d *Detector) Compliance(ctx context.Context, reportID string) (*models.ComplianceReport, error) {
	if reportID == "" {
		return nil, errors.BadInput("compliance report requires a report id")
	}
	report, err := d.store.GetDriftReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	counts := report.CountByStatus()
	total := len(report.Items)
	percent := 100.0
	if total > 0 {
		percent = float64(counts[models.DriftStatusInSync]) / float64(total) * 100
	}

	bySeverity := make(map[models.Severity]int)
	for _, item := range report.Items {
		if item.Status != models.DriftStatusInSync {
			bySeverity[item.Severity]++
		}
	}

	return &models.ComplianceReport{
		ReportID:       report.ID,
		Provider:       report.Provider,
		Scope:          report.Scope,
		TotalResources: total,
		InSync:         counts[models.DriftStatusInSync],
		Changed:        counts[models.DriftStatusChanged],
		Missing:        counts[models.DriftStatusMissing],
		Extra:          counts[models.DriftStatusExtra],
		PercentInSync:  percent,
		BySeverity:     bySeverity,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// buildItems grades every declared resource against live state and
// appends extras for live resources nothing declares.
func (d *Detector) buildItems(req models.DriftRequest, declared []desired.Resource, actual map[string]map[string]interface{}) []models.DriftItem {
	items := make([]models.DriftItem, 0, len(declared))
	declaredAddrs := make(map[string]bool, len(declared))

	for _, res := range declared {
		declaredAddrs[res.Address] = true
		cmp := newComparator(req.Provider, res.Source)

		live, present := actual[res.Address]
		if !present {
			items = append(items, models.DriftItem{
				ResourceAddress: res.Address,
				Status:          models.DriftStatusMissing,
				Desired:         res.Attributes,
				Severity:        itemSeverity(models.DriftStatusMissing, nil),
			})
			continue
		}

		changed := cmp.Compare(res.Attributes, live)
		if len(changed) == 0 {
			items = append(items, models.DriftItem{
				ResourceAddress: res.Address,
				Status:          models.DriftStatusInSync,
				Severity:        models.SeverityInfo,
			})
			continue
		}
		items = append(items, models.DriftItem{
			ResourceAddress: res.Address,
			Status:          models.DriftStatusChanged,
			Desired:         res.Attributes,
			Actual:          live,
			Severity:        itemSeverity(models.DriftStatusChanged, changed),
			ChangedFields:   changed,
		})
	}

	extras := make([]string, 0)
	for addr := range actual {
		if !declaredAddrs[addr] {
			extras = append(extras, addr)
		}
	}
	sort.Strings(extras)
	for _, addr := range extras {
		items = append(items, models.DriftItem{
			ResourceAddress: addr,
			Status:          models.DriftStatusExtra,
			Actual:          actual[addr],
			Severity:        itemSeverity(models.DriftStatusExtra, nil),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ResourceAddress < items[j].ResourceAddress })
	return items
}

// actualState fetches live attributes per source kind, keyed by
// resource address.
func (d *Detector) actualState(ctx context.Context, req models.DriftRequest, declared []desired.Resource) (map[string]map[string]interface{}, error) {
	bySource := make(map[desired.SourceKind][]desired.Resource)
	for _, res := range declared {
		bySource[res.Source] = append(bySource[res.Source], res)
	}

	actual := make(map[string]map[string]interface{})
	if len(bySource[desired.SourceTerraform]) > 0 {
		if err := d.terraformActual(ctx, req, actual); err != nil {
			return nil, err
		}
	}
	if group := bySource[desired.SourceKubernetes]; len(group) > 0 {
		if err := d.kubernetesActual(ctx, req, group, actual); err != nil {
			return nil, err
		}
	}
	for _, release := range bySource[desired.SourceHelm] {
		if err := d.helmActual(ctx, release, actual); err != nil {
			return nil, err
		}
	}
	return actual, nil
}

// terraformActual loads the managed resources of the scope's state.
// The terraform service returns either the raw `terraform show -json`
// document under state_json or a pre-parsed resources list.
func (d *Detector) terraformActual(ctx context.Context, req models.DriftRequest, actual map[string]map[string]interface{}) error {
	outputs, err := d.caps.Invoke(ctx, "terraform.show", map[string]interface{}{
		"scope":    req.Scope,
		"provider": string(req.Provider),
	}, capability.InvokeOptions{})
	if err != nil {
		return err
	}

	if raw, ok := outputs["state_json"].(string); ok && raw != "" {
		var state tfjson.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return errors.Wrap(err, errors.KindInternal, "parsing terraform state for "+req.Scope)
		}
		if state.Values != nil {
			collectModuleResources(state.Values.RootModule, actual)
		}
		return nil
	}

	list, _ := outputs["resources"].([]interface{})
	for _, entry := range list {
		res, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		addr, _ := res["address"].(string)
		if addr == "" {
			continue
		}
		if values, ok := res["values"].(map[string]interface{}); ok {
			actual[addr] = values
		} else {
			actual[addr] = map[string]interface{}{}
		}
	}
	return nil
}

// collectModuleResources walks a state module tree and records managed
// resources. Data sources are read-only views and never drift.
func collectModuleResources(module *tfjson.StateModule, actual map[string]map[string]interface{}) {
	if module == nil {
		return
	}
	for _, res := range module.Resources {
		if res.Mode != tfjson.ManagedResourceMode {
			continue
		}
		actual[res.Address] = res.AttributeValues
	}
	for _, child := range module.ChildModules {
		collectModuleResources(child, actual)
	}
}

// kubernetesActual fetches the live objects for the declared addresses
// plus whatever else the service reports inside the scope.
func (d *Detector) kubernetesActual(ctx context.Context, req models.DriftRequest, declared []desired.Resource, actual map[string]map[string]interface{}) error {
	addresses := make([]interface{}, 0, len(declared))
	for _, res := range declared {
		addresses = append(addresses, res.Address)
	}

	outputs, err := d.caps.Invoke(ctx, "k8s.get", map[string]interface{}{
		"scope":     req.Scope,
		"addresses": addresses,
	}, capability.InvokeOptions{})
	if err != nil {
		return err
	}

	list, _ := outputs["resources"].([]interface{})
	for _, entry := range list {
		object, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		obj := &unstructured.Unstructured{Object: object}
		if obj.GetKind() == "" || obj.GetName() == "" {
			continue
		}
		actual[desired.ObjectAddress(obj)] = desired.ObjectAttributes(obj)
	}
	return nil
}

// helmActual queries one release. A response without installed=true
// means the release is gone, which surfaces as a missing item.
func (d *Detector) helmActual(ctx context.Context, release desired.Resource, actual map[string]map[string]interface{}) error {
	namespace, _ := release.Attributes["namespace"].(string)
	outputs, err := d.caps.Invoke(ctx, "helm.status", map[string]interface{}{
		"release":   release.Name,
		"namespace": namespace,
	}, capability.InvokeOptions{})
	if err != nil {
		return err
	}

	installed, _ := outputs["installed"].(bool)
	if !installed {
		return nil
	}

	attrs := map[string]interface{}{"namespace": namespace}
	for _, field := range []string{"chart", "version"} {
		if v, ok := outputs[field].(string); ok {
			attrs[field] = v
		}
	}
	if values, ok := outputs["values"].(map[string]interface{}); ok {
		attrs["values"] = values
	}
	actual[release.Address] = attrs
	return nil
}

func (d *Detector) cachedReport(ctx context.Context, key string) (*models.DriftReport, bool) {
	data, ok, err := d.reports.Get(ctx, key)
	if err != nil {
		d.log.Warn("report cache read failed", logger.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var report models.DriftReport
	if err := json.Unmarshal(data, &report); err != nil {
		d.log.Warn("dropping undecodable cached report", logger.Err(err))
		return nil, false
	}
	return &report, true
}

func (d *Detector) cacheReport(ctx context.Context, key string, report *models.DriftReport) {
	if d.reports == nil || d.ttl <= 0 {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := d.reports.Set(ctx, key, data, d.ttl); err != nil {
		d.log.Warn("report cache write failed", logger.Err(err))
	}
}

func cacheKey(req models.DriftRequest) string {
	return string(req.Provider) + ":" + req.Scope + ":" + req.DesiredPath
}

// dedupeByAddress keeps the first declaration per address. Later
// duplicates usually mean the same module was loaded twice.
func dedupeByAddress(resources []desired.Resource, log logger.Logger) []desired.Resource {
	seen := make(map[string]bool, len(resources))
	out := resources[:0]
	for _, res := range resources {
		if seen[res.Address] {
			log.Warn("duplicate declared resource skipped", logger.String("address", res.Address))
			continue
		}
		seen[res.Address] = true
		out = append(out, res)
	}
	return out
}
