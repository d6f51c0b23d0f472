package events

import "encoding/json"

// remarshal converts a decoded JSON payload into a typed value.
func remarshal(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
