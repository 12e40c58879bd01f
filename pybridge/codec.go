package pybridge

import "encoding/json"

func marshalParams(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

func unmarshalResult(raw interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
