package drift

import (
	"reflect"
	"sort"
	"strings"

	"github.com/nimbusops/nimbus/internal/drift/desired"
	"github.com/nimbusops/nimbus/internal/models"
)

// commonServerFields are populated by every backend after creation and
// never represent operator intent. They are skipped on both sides of a
// comparison.
var commonServerFields = []string{
	"id",
	"etag",
	"created_at",
	"updated_at",
	"creation_timestamp",
	"creationTimestamp",
	"last_modified",
	"generation",
	"resource_version",
	"resourceVersion",
	"uid",
	"self_link",
	"managedFields",
	"status",
}

// providerServerFields extends the common set per cloud.
var providerServerFields = map[models.Provider][]string{
	models.ProviderAWS:   {"arn", "owner_id", "unique_id", "create_date", "hosted_zone_id"},
	models.ProviderGCP:   {"self_link", "fingerprint", "label_fingerprint", "project_number"},
	models.ProviderAzure: {"resource_guid", "provisioning_state", "fqdn"},
}

// comparator holds the ignore set for one provider and source pairing.
type comparator struct {
	ignore map[string]bool
}

func newComparator(provider models.Provider, source desired.SourceKind) *comparator {
	ignore := make(map[string]bool, len(commonServerFields)+8)
	for _, f := range commonServerFields {
		ignore[f] = true
	}
	for _, f := range providerServerFields[provider] {
		ignore[f] = true
	}
	if source == desired.SourceHelm {
		// Release bookkeeping helm rewrites on every operation.
		ignore["revision"] = true
		ignore["last_deployed"] = true
	}
	return &comparator{ignore: ignore}
}

// Compare reports which declared fields differ from live state, as
// sorted dotted paths. Only fields present in desired participate:
// attributes that appear solely in actual are backend defaults, not
// drift.
func (c *comparator) Compare(want, have map[string]interface{}) []string {
	var changed []string
	c.compareMap("", want, have, &changed)
	sort.Strings(changed)
	return changed
}

func (c *comparator) compareMap(prefix string, want, have map[string]interface{}, changed *[]string) {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if c.ignore[key] {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		wantVal := normalizeValue(want[key])
		haveVal, present := have[key]
		if !present {
			*changed = append(*changed, path)
			continue
		}
		haveVal = normalizeValue(haveVal)

		wantMap, wantIsMap := wantVal.(map[string]interface{})
		haveMap, haveIsMap := haveVal.(map[string]interface{})
		if wantIsMap && haveIsMap {
			c.compareMap(path, wantMap, haveMap, changed)
			continue
		}

		if !reflect.DeepEqual(wantVal, haveVal) {
			*changed = append(*changed, path)
		}
	}
}

// normalizeValue unifies the numeric and container shapes produced by
// the different decoders (HCL, YAML, JSON) so equality is by value.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// criticalFields and warningFields classify attribute paths for
// severity grading. Matching is by substring over the lowercased path,
// so nested fields inherit the class of their parent.
var criticalFields = []string{
	"deletion_protection",
	"encryption",
	"kms",
	"public",
	"ssl",
	"tls",
	"iam",
	"policy",
	"role",
	"security_group",
	"firewall",
}

var warningFields = []string{
	"subnet",
	"vpc",
	"network",
	"ingress",
	"egress",
	"backup",
	"retention",
	"instance_type",
	"size",
	"capacity",
	"replicas",
	"version",
	"engine",
}

func fieldSeverity(path string) models.Severity {
	lower := strings.ToLower(path)
	for _, f := range criticalFields {
		if strings.Contains(lower, f) {
			return models.SeverityCritical
		}
	}
	for _, f := range warningFields {
		if strings.Contains(lower, f) {
			return models.SeverityWarning
		}
	}
	return models.SeverityInfo
}

// itemSeverity grades one drift item. A resource that vanished is
// always critical; unmanaged extras are warnings; modified resources
// take the highest class among their changed fields.
func itemSeverity(status models.DriftStatus, changedFields []string) models.Severity {
	switch status {
	case models.DriftStatusMissing:
		return models.SeverityCritical
	case models.DriftStatusExtra:
		return models.SeverityWarning
	case models.DriftStatusChanged:
		severity := models.SeverityInfo
		for _, field := range changedFields {
			switch fieldSeverity(field) {
			case models.SeverityCritical:
				return models.SeverityCritical
			case models.SeverityWarning:
				severity = models.SeverityWarning
			}
		}
		return severity
	default:
		return models.SeverityInfo
	}
}
