package extract

import (
	"github.com/tidwall/gjson"

	"streamtap/internal/sink"
)

// decodeNativeCall decodes the wire format's native function-call slot:
// element 0 is the function name, element 1 wraps the positional parameter
// list. Returns nil when the slot has no usable name.
func decodeNativeCall(slot gjson.Result) *sink.FunctionCallRecord {
	arr := slot.Array()
	if len(arr) < 1 || arr[0].Type != gjson.String {
		return nil
	}
	name := arr[0].String()
	if name == "" {
		return nil
	}

	args := map[string]any{}
	if len(arr) > 1 {
		args = decodeParamList(arr[1])
	}
	return &sink.FunctionCallRecord{Name: name, Arguments: args}
}

// decodeParamList decodes the positional parameter encoding. Each parameter
// is a [name, value] pair whose value is itself an array; the value array's
// length selects the type:
//
//	1 → null, 2 → number at [1], 3 → string at [2],
//	4 → boolean at [3] (1 means true), 5 → nested object at [4].
func decodeParamList(wrapper gjson.Result) map[string]any {
	out := map[string]any{}

	params := wrapper.Get("0")
	if !params.IsArray() {
		return out
	}

	for _, param := range params.Array() {
		pa := param.Array()
		if len(pa) < 2 || pa[0].Type != gjson.String {
			continue
		}
		name := pa[0].String()
		if !pa[1].IsArray() {
			continue
		}

		va := pa[1].Array()
		switch len(va) {
		case 1:
			out[name] = nil
		case 2:
			out[name] = va[1].Value()
		case 3:
			out[name] = va[2].String()
		case 4:
			out[name] = va[3].Float() == 1
		case 5:
			out[name] = decodeParamList(va[4])
		}
	}
	return out
}
