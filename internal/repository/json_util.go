package repository

import "encoding/json"

// marshalJSONB 把 map 序列化为 JSONB 参数；nil 落 NULL 而不是字符串 "null"
func marshalJSONB(v any) ([]byte, error) {
	switch m := v.(type) {
	case map[string]string:
		if m == nil {
			return nil, nil
		}
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
