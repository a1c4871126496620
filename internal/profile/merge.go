package profile

import "github.com/marcelocantos/jn/internal/address"

// maxMergeDepth bounds how deep nested objects are merged key-wise. Deeper
// objects are replaced whole.
const maxMergeDepth = 4

// mergeLayers folds layers left to right; later layers win per key and
// nested objects merge key-wise. Inputs are not modified.
func mergeLayers(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		out = mergeTwo(out, layer, 0)
	}
	return out
}

func mergeTwo(base, over map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		bm, baseIsMap := out[k].(map[string]any)
		om, overIsMap := v.(map[string]any)
		if baseIsMap && overIsMap && depth < maxMergeDepth {
			out[k] = mergeTwo(bm, om, depth+1)
			continue
		}
		out[k] = v
	}
	return out
}

// MergeParams folds parameter layers lowest precedence first. A key in a
// later layer replaces all of that key's values from earlier layers.
func MergeParams(layers ...address.Params) address.Params {
	out := address.Params{}
	for _, layer := range layers {
		for k, vs := range layer {
			out[k] = append([]string(nil), vs...)
		}
	}
	return out
}
