package desired

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nimbusops/nimbus/internal/errors"
)

// loadManifestFile reads the documents of one kubernetes manifest.
// HelmRelease objects are routed to the helm source; everything else
// is a plain kubernetes resource addressed as kind/namespace/name.
func loadManifestFile(path string) ([]Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindBadInput, "reading "+path)
	}
	defer f.Close()

	var resources []Resource
	decoder := yaml.NewDecoder(f)
	for {
		var doc map[string]interface{}
		if err := decoder.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, errors.KindBadInput, "parsing %s", path)
		}
		if len(doc) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: normalizeYAML(doc).(map[string]interface{})}
		if obj.GetKind() == "" || obj.GetName() == "" {
			continue
		}

		if obj.GetKind() == "HelmRelease" {
			resources = append(resources, helmResource(obj))
			continue
		}
		resources = append(resources, kubernetesResource(obj))
	}
	return resources, nil
}

func kubernetesResource(obj *unstructured.Unstructured) Resource {
	return Resource{
		Source:     SourceKubernetes,
		Address:    ObjectAddress(obj),
		Type:       strings.ToLower(obj.GetKind()),
		Name:       obj.GetName(),
		Attributes: ObjectAttributes(obj),
	}
}

// ObjectAddress is the canonical drift address of a kubernetes object:
// kind/namespace/name, cluster-scoped objects under "default". The
// detector applies the same convention to live objects so declared and
// actual resources line up.
func ObjectAddress(obj *unstructured.Unstructured) string {
	namespace := obj.GetNamespace()
	if namespace == "" {
		namespace = "default"
	}
	return strings.ToLower(obj.GetKind()) + "/" + namespace + "/" + obj.GetName()
}

// ObjectAttributes extracts the comparable surface of a kubernetes
// object: api version, labels and spec. Server-populated metadata and
// the status subresource are deliberately absent.
func ObjectAttributes(obj *unstructured.Unstructured) map[string]interface{} {
	attrs := map[string]interface{}{
		"api_version": obj.GetAPIVersion(),
	}
	if labels := obj.GetLabels(); len(labels) > 0 {
		labelMap := make(map[string]interface{}, len(labels))
		for k, v := range labels {
			labelMap[k] = v
		}
		attrs["labels"] = labelMap
	}
	if spec, ok := obj.Object["spec"].(map[string]interface{}); ok {
		attrs["spec"] = spec
	}
	return attrs
}

// helmResource maps a HelmRelease declaration onto the attributes
// helm.status reports for the installed release.
func helmResource(obj *unstructured.Unstructured) Resource {
	namespace := obj.GetNamespace()
	if namespace == "" {
		namespace = "default"
	}

	attrs := map[string]interface{}{"namespace": namespace}
	if spec, ok := obj.Object["spec"].(map[string]interface{}); ok {
		if chart, ok := spec["chart"].(string); ok {
			attrs["chart"] = chart
		}
		if version, ok := spec["version"].(string); ok {
			attrs["version"] = version
		}
		if values, ok := spec["values"].(map[string]interface{}); ok {
			attrs["values"] = values
		}
	}

	return Resource{
		Source:     SourceHelm,
		Address:    "helm/" + namespace + "/" + obj.GetName(),
		Type:       "helm_release",
		Name:       obj.GetName(),
		Attributes: attrs,
	}
}

// normalizeYAML aligns yaml-decoded values with JSON-decoded ones:
// integers become float64 and non-string map keys are stringified, so
// desired and live attributes compare by value.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}
