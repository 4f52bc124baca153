package desired

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/nimbusops/nimbus/internal/errors"
)

// loadTerraformFile extracts the resource blocks from one .tf file.
// Only statically resolvable attribute values are kept; expressions
// that reference variables, locals or other resources are computed at
// plan time and cannot be compared against live state here.
func loadTerraformFile(path string) ([]Resource, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindBadInput, "reading "+path)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, path)
	if diags.HasErrors() {
		return nil, errors.Newf(errors.KindBadInput, "parsing %s: %s", path, diags.Error())
	}

	content, _, diags := file.Body.PartialContent(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "resource", LabelNames: []string{"type", "name"}},
		},
	})
	if diags.HasErrors() {
		return nil, errors.Newf(errors.KindBadInput, "extracting resources from %s: %s", path, diags.Error())
	}

	var resources []Resource
	for _, block := range content.Blocks {
		if len(block.Labels) != 2 {
			continue
		}
		resType, resName := block.Labels[0], block.Labels[1]
		resources = append(resources, Resource{
			Source:     SourceTerraform,
			Address:    resType + "." + resName,
			Type:       resType,
			Name:       resName,
			Attributes: bodyAttributes(block.Body),
		})
	}
	return resources, nil
}

// bodyAttributes flattens an HCL body into a value map. Nested blocks
// become nested maps; repeated blocks of the same type become slices,
// matching how terraform renders them in state.
func bodyAttributes(body hcl.Body) map[string]interface{} {
	syntax, ok := body.(*hclsyntax.Body)
	if !ok {
		return nil
	}

	attrs := make(map[string]interface{})
	for name, attr := range syntax.Attributes {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() || !val.IsWhollyKnown() {
			continue
		}
		attrs[name] = ctyToGo(val)
	}

	for _, block := range syntax.Blocks {
		nested := bodyAttributes(block.Body)
		if existing, ok := attrs[block.Type]; ok {
			switch prev := existing.(type) {
			case []interface{}:
				attrs[block.Type] = append(prev, nested)
			default:
				attrs[block.Type] = []interface{}{prev, nested}
			}
			continue
		}
		attrs[block.Type] = nested
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// ctyToGo converts a known cty value into plain Go values, numbers as
// float64 to line up with JSON-decoded live state.
func ctyToGo(val cty.Value) interface{} {
	if val.IsNull() {
		return nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString()
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f
	case ty == cty.Bool:
		return val.True()
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		var out []interface{}
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			out = append(out, ctyToGo(elem))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]interface{})
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			if k.Type() == cty.String {
				out[k.AsString()] = ctyToGo(v)
			}
		}
		return out
	default:
		return val.GoString()
	}
}
