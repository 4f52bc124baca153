package desired

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleModule = `
resource "aws_s3_bucket" "assets" {
  bucket        = "nimbus-assets"
  force_destroy = false

  versioning {
    enabled = true
  }

  tags = {
    Environment = "staging"
    Team        = "platform"
  }
}

resource "aws_security_group" "web" {
  name = "web"

  ingress {
    from_port = 80
    to_port   = 80
  }

  ingress {
    from_port = 443
    to_port   = 443
  }
}

resource "aws_instance" "api" {
  ami           = "ami-0abc123"
  instance_type = var.instance_type
}
`

func TestLoadTerraformModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.tf", sampleModule)

	resources, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, resources, 3)

	// Sorted by address.
	assert.Equal(t, "aws_instance.api", resources[0].Address)
	assert.Equal(t, "aws_s3_bucket.assets", resources[1].Address)
	assert.Equal(t, "aws_security_group.web", resources[2].Address)
	for _, r := range resources {
		assert.Equal(t, SourceTerraform, r.Source)
	}

	bucket := resources[1]
	assert.Equal(t, "aws_s3_bucket", bucket.Type)
	assert.Equal(t, "assets", bucket.Name)
	assert.Equal(t, "nimbus-assets", bucket.Attributes["bucket"])
	assert.Equal(t, false, bucket.Attributes["force_destroy"])
	assert.Equal(t,
		map[string]interface{}{"enabled": true},
		bucket.Attributes["versioning"],
		"nested block should flatten to a map")
	assert.Equal(t,
		map[string]interface{}{"Environment": "staging", "Team": "platform"},
		bucket.Attributes["tags"])

	sg := resources[2]
	ingress, ok := sg.Attributes["ingress"].([]interface{})
	require.True(t, ok, "repeated blocks should collect into a slice")
	require.Len(t, ingress, 2)
	assert.Equal(t, map[string]interface{}{"from_port": 80.0, "to_port": 80.0}, ingress[0])

	api := resources[0]
	assert.Equal(t, "ami-0abc123", api.Attributes["ami"])
	_, hasType := api.Attributes["instance_type"]
	assert.False(t, hasType, "variable references are not statically resolvable")
}

const sampleManifests = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web-api
  namespace: web
  labels:
    app: web-api
spec:
  replicas: 3
---
apiVersion: v1
kind: Service
metadata:
  name: web-api
spec:
  type: ClusterIP
---
apiVersion: helm.toolkit.fluxcd.io/v2
kind: HelmRelease
metadata:
  name: ingress-nginx
  namespace: ingress
spec:
  chart: ingress-nginx
  version: 4.10.0
  values:
    controller:
      replicaCount: 2
`

func TestLoadKubernetesManifests(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "release.yaml", sampleManifests)

	resources, err := Load(path)
	require.NoError(t, err)
	require.Len(t, resources, 3)

	byAddress := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byAddress[r.Address] = r
	}

	deploy, ok := byAddress["deployment/web/web-api"]
	require.True(t, ok)
	assert.Equal(t, SourceKubernetes, deploy.Source)
	assert.Equal(t, "apps/v1", deploy.Attributes["api_version"])
	assert.Equal(t, map[string]interface{}{"app": "web-api"}, deploy.Attributes["labels"])
	assert.Equal(t, map[string]interface{}{"replicas": 3.0}, deploy.Attributes["spec"],
		"yaml integers should normalize to float64")

	svc, ok := byAddress["service/default/web-api"]
	require.True(t, ok, "namespace should default when omitted")
	assert.Equal(t, SourceKubernetes, svc.Source)

	helm, ok := byAddress["helm/ingress/ingress-nginx"]
	require.True(t, ok)
	assert.Equal(t, SourceHelm, helm.Source)
	assert.Equal(t, "helm_release", helm.Type)
	assert.Equal(t, "ingress-nginx", helm.Attributes["chart"])
	assert.Equal(t, "4.10.0", helm.Attributes["version"])
	values, ok := helm.Attributes["values"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"replicaCount": 2.0}, values["controller"])
}

func TestLoadMixedDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.tf", `resource "aws_s3_bucket" "logs" { bucket = "logs" }`)
	writeFile(t, dir, "app.yaml", "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: app\n")

	resources, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "aws_s3_bucket.logs", resources[0].Address)
	assert.Equal(t, "configmap/default/app", resources[1].Address)
}

func TestLoadSkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.tf", `resource "aws_s3_bucket" "logs" { bucket = "logs" }`)
	hidden := filepath.Join(dir, ".terraform", "modules")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	writeFile(t, hidden, "cached.tf", `resource "aws_s3_bucket" "cached" { bucket = "cached" }`)

	resources, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "aws_s3_bucket.logs", resources[0].Address)
}

func TestLoadRejectsEmptySources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "nothing declarative here")

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBadInput))

	_, err = Load(filepath.Join(dir, "does-not-exist"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBadInput))
}

func TestLoadRejectsMalformedHCL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.tf", `resource "aws_s3_bucket" {`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBadInput))
}
